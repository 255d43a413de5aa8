// Package metrics defines the Prometheus series exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox pipeline metrics

	// OutboxItemsPolled tracks rows fetched by the poller
	OutboxItemsPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "items_polled_total",
			Help:      "Total outbox rows fetched by the poller",
		},
		[]string{"type"},
	)

	// OutboxItemsProcessed tracks terminal outcomes written back
	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "items_processed_total",
			Help:      "Total outbox rows marked with a terminal status",
		},
		[]string{"type", "status"}, // status: SUCCESS, BAD_REQUEST, ...
	)

	// OutboxBufferRejections tracks rows dropped on a full buffer
	OutboxBufferRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "buffer_rejections_total",
			Help:      "Total rows rejected because the global buffer was full",
		},
	)

	// OutboxBufferSize tracks rows waiting in the global buffer
	OutboxBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "buffer_size",
			Help:      "Rows currently waiting in the global buffer",
		},
	)

	// OutboxInFlight tracks rows between poll and outcome write
	OutboxInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "in_flight",
			Help:      "Rows currently in the pipeline, from poll until their outcome is written",
		},
	)

	// OutboxActiveGroups tracks live message-group workers
	OutboxActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "active_groups",
			Help:      "Message-group workers currently alive",
		},
	)

	// OutboxPendingBacklog tracks the pending row count per table
	OutboxPendingBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "pending_backlog",
			Help:      "Rows with status PENDING per item type",
		},
		[]string{"type"},
	)

	// OutboxItemsRecovered tracks rows rewound to PENDING
	OutboxItemsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "outbox",
			Name:      "items_recovered_total",
			Help:      "Total rows reset to PENDING by recovery",
		},
		[]string{"type", "reason"}, // reason: crash, timeout
	)

	// Platform API client metrics

	// OutboxAPIRequests tracks batch submissions by response code
	OutboxAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total batch requests to the platform API",
		},
		[]string{"endpoint", "status_code"},
	)

	// OutboxAPIDuration tracks batch request duration
	OutboxAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driftgate",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Platform API batch request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// OutboxCircuitBreakerTrips counts transitions into the open state
	OutboxCircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "api",
			Name:      "circuit_breaker_trips_total",
			Help:      "Times the platform API circuit breaker opened",
		},
	)

	// Standby metrics

	// StandbyRole reports the current role: 1 = primary, 0 = standby
	StandbyRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftgate",
			Subsystem: "standby",
			Name:      "is_primary",
			Help:      "Whether this instance currently holds the leader lock",
		},
	)

	// StandbyTransitions counts role changes
	StandbyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftgate",
			Subsystem: "standby",
			Name:      "transitions_total",
			Help:      "Total role transitions",
		},
		[]string{"to"}, // to: primary, standby
	)
)
