package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.driftgate.dev/internal/common/metrics"
)

// groupWorker delivers one message group's rows in FIFO order. Exactly one
// worker exists per group key and it lives until the dispatcher stops, so
// ordering within the group can never be violated by a concurrent sender.
type groupWorker struct {
	d        *Dispatcher
	key      string
	itemType ItemType
	queue    chan *Item
}

func newGroupWorker(d *Dispatcher, key string, itemType ItemType) *groupWorker {
	return &groupWorker{
		d:        d,
		key:      key,
		itemType: itemType,
		queue:    make(chan *Item, d.config.GroupQueueSize),
	}
}

func (w *groupWorker) run() {
	defer w.d.wg.Done()

	for {
		batch, ok := w.collectBatch()
		if !ok {
			// Shutdown. Queued rows stay IN_PROGRESS; the next promotion's
			// crash recovery re-pends them.
			return
		}
		w.processBatch(batch)
	}
}

// collectBatch blocks for the first item, then lingers briefly to fill the
// batch up to APIBatchSize. Returns ok=false on shutdown.
func (w *groupWorker) collectBatch() ([]*Item, bool) {
	var first *Item
	select {
	case first = <-w.queue:
	case <-w.d.ctx.Done():
		return nil, false
	}

	batch := make([]*Item, 0, w.d.config.APIBatchSize)
	batch = append(batch, first)

	timer := time.NewTimer(w.d.config.BatchLinger)
	defer timer.Stop()

	for len(batch) < w.d.config.APIBatchSize {
		select {
		case item := <-w.queue:
			batch = append(batch, item)
		case <-timer.C:
			return batch, true
		case <-w.d.ctx.Done():
			return nil, false
		}
	}

	return batch, true
}

// processBatch sends one batch under the global concurrency cap and writes
// the per-row outcome back. The permit is held for the whole API call, so
// MaxConcurrentCalls bounds pressure on the platform regardless of how many
// groups are live.
func (w *groupWorker) processBatch(batch []*Item) {
	select {
	case w.d.apiSemaphore <- struct{}{}:
	case <-w.d.ctx.Done():
		return
	}
	defer func() { <-w.d.apiSemaphore }()

	result, err := w.d.sender.SendBatch(w.d.ctx, w.itemType, batch)

	atomic.AddInt32(&w.d.inFlight, -int32(len(batch)))
	metrics.OutboxInFlight.Set(float64(atomic.LoadInt32(&w.d.inFlight)))

	// Outcome writes use a fresh context: a completed API call must be
	// recorded even when shutdown cancelled the dispatcher context.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		// Transport failure: nothing reached the platform, the whole batch
		// gets GATEWAY_ERROR and ages back into the poll via recovery.
		slog.Error("Batch delivery failed",
			"error", err,
			"group", w.key,
			"batchSize", len(batch))
		if markErr := w.d.repo.MarkWithStatusAndError(writeCtx, w.itemType, itemIDs(batch), StatusGatewayError, err.Error()); markErr != nil {
			slog.Error("Failed to record delivery failure",
				"error", markErr,
				"group", w.key)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), StatusGatewayError.String()).Add(float64(len(batch)))
		return
	}

	w.applyResult(writeCtx, batch, result)
}

// applyResult writes terminal statuses grouped by outcome. Rows without a
// result entry are left IN_PROGRESS for recovery; that only happens when
// the platform answers with ids we never sent.
func (w *groupWorker) applyResult(ctx context.Context, batch []*Item, result *BatchResult) {
	byStatus := make(map[Status][]string)
	detail := make(map[Status]string)

	for _, r := range result.Results {
		byStatus[r.Status] = append(byStatus[r.Status], r.ID)
		if r.Error != "" && detail[r.Status] == "" {
			detail[r.Status] = r.Error
		}
	}

	for status, ids := range byStatus {
		var err error
		if status == StatusSuccess {
			err = w.d.repo.MarkWithStatus(ctx, w.itemType, ids, status)
		} else {
			err = w.d.repo.MarkWithStatusAndError(ctx, w.itemType, ids, status, detail[status])
		}
		if err != nil {
			slog.Error("Failed to record batch outcome",
				"error", err,
				"group", w.key,
				"status", status.String(),
				"count", len(ids))
			continue
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), status.String()).Add(float64(len(ids)))
	}

	slog.Debug("Batch processed",
		"group", w.key,
		"batchSize", len(batch),
		"statuses", len(byStatus))
}
