package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInFlightGaugeCountsRows(t *testing.T) {
	OutboxInFlight.Set(7)
	defer OutboxInFlight.Set(0)

	fams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, mf := range fams {
		if mf.GetName() != "driftgate_outbox_in_flight" {
			continue
		}
		// The gauge counts rows in the pipeline, not batches or permits.
		if help := mf.GetHelp(); !strings.Contains(help, "Rows") {
			t.Errorf("help = %q, want a row-level description", help)
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
			t.Errorf("value = %v, want 7", got)
		}
		return
	}
	t.Fatal("driftgate_outbox_in_flight is not registered")
}
