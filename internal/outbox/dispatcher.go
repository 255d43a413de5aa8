package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.driftgate.dev/internal/common/metrics"
)

// DispatcherConfig holds configuration for the outbox dispatcher.
type DispatcherConfig struct {
	// Enabled controls whether the dispatcher runs at all.
	Enabled bool

	// PollInterval is how often to poll for pending rows.
	PollInterval time.Duration

	// PollBatchSize is the maximum rows fetched per poll, per item type.
	PollBatchSize int

	// APIBatchSize is the maximum items per API call.
	APIBatchSize int

	// MaxConcurrentCalls caps simultaneous API calls across all groups.
	MaxConcurrentCalls int

	// MaxInFlight caps rows in the pipeline (buffer plus group queues plus
	// batches being sent). The poller skips a type when fewer than
	// PollBatchSize slots remain.
	MaxInFlight int

	// GlobalBufferSize is the capacity of the buffer between the poller
	// and the distributor. Offers to a full buffer are rejected, not
	// blocked: the row stays IN_PROGRESS and recovery re-pends it.
	GlobalBufferSize int

	// GroupQueueSize is the per-message-group queue capacity.
	GroupQueueSize int

	// BatchLinger is how long a group worker waits for more items before
	// sending a partial batch.
	BatchLinger time.Duration

	// RecoveryInterval is how often periodic recovery runs.
	RecoveryInterval time.Duration

	// ProcessingTimeoutSeconds is how long a row may sit in IN_PROGRESS or
	// an error status before periodic recovery re-pends it.
	ProcessingTimeoutSeconds int
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Enabled:                  true,
		PollInterval:             time.Second,
		PollBatchSize:            100,
		APIBatchSize:             100,
		MaxConcurrentCalls:       50,
		MaxInFlight:              1000,
		GlobalBufferSize:         2000,
		GroupQueueSize:           1000,
		BatchLinger:              25 * time.Millisecond,
		RecoveryInterval:         60 * time.Second,
		ProcessingTimeoutSeconds: 300,
	}
}

// Dispatcher drains the outbox tables and delivers rows to the platform.
//
//  1. One poller fetches rows WHERE status=PENDING, marks them IN_PROGRESS
//  2. Rows enter a bounded global buffer (full buffer rejects, never blocks)
//  3. A distributor routes rows to one long-lived worker per message group
//  4. Workers batch rows and call the API under a global concurrency cap
//  5. Outcomes are written back per row; recovery re-pends what got lost
//
// The dispatcher only acts while primary. Promotion runs crash recovery
// before the first poll; demotion stops polling but lets started batches
// finish.
type Dispatcher struct {
	config *DispatcherConfig
	repo   Repository
	sender BatchSender

	buffer         chan *Item
	bufferSize     int32
	inFlight       int32
	rejectedOffers int64

	groups       sync.Map // map[string]*groupWorker, keyed by Item.GroupKey()
	activeGroups int32

	// apiSemaphore caps concurrent API calls. A permit is held for the
	// duration of one batch call.
	apiSemaphore chan struct{}

	isPrimary        atomic.Bool
	crashRecoveryRan atomic.Bool
	lastPollAt       atomic.Int64 // unix nanos

	// roleMu serializes role transitions. wantPrimary is the desired role;
	// roleGen increments on every transition so a promotion that was still
	// running crash recovery when a demotion arrived cannot re-promote.
	roleMu      sync.Mutex
	wantPrimary bool
	roleGen     uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex
}

// NewDispatcher creates an outbox dispatcher. It starts as non-primary;
// wire BecomePrimary and BecomeStandby to the standby service callbacks.
func NewDispatcher(repo Repository, sender BatchSender, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		config:       config,
		repo:         repo,
		sender:       sender,
		buffer:       make(chan *Item, config.GlobalBufferSize),
		apiSemaphore: make(chan struct{}, config.MaxConcurrentCalls),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the distributor, poller and recovery loops. Nothing is
// polled until BecomePrimary is called.
func (d *Dispatcher) Start() {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running {
		return
	}
	d.running = true

	if !d.config.Enabled {
		slog.Info("Outbox dispatcher is disabled")
		return
	}

	d.wg.Add(3)
	go d.runDistributor()
	go d.runPoller()
	go d.runRecovery()

	d.wg.Add(1)
	go d.runBacklogGauge()

	slog.Info("Outbox dispatcher started",
		"pollInterval", d.config.PollInterval,
		"pollBatchSize", d.config.PollBatchSize,
		"apiBatchSize", d.config.APIBatchSize,
		"maxConcurrentCalls", d.config.MaxConcurrentCalls,
		"maxInFlight", d.config.MaxInFlight,
		"bufferSize", d.config.GlobalBufferSize)
}

// Stop halts all loops. Rows still in the pipeline stay IN_PROGRESS and
// are re-pended by crash recovery on the next promotion.
func (d *Dispatcher) Stop() {
	d.runningMu.Lock()
	d.running = false
	d.runningMu.Unlock()

	d.cancel()
	d.wg.Wait()

	slog.Info("Outbox dispatcher stopped")
}

// BecomePrimary runs crash recovery and then enables polling. Safe to call
// from the election goroutine: recovery happens in the background so lock
// refreshes are never starved.
func (d *Dispatcher) BecomePrimary() {
	d.roleMu.Lock()
	if d.wantPrimary {
		d.roleMu.Unlock()
		return
	}
	d.wantPrimary = true
	d.roleGen++
	gen := d.roleGen
	d.roleMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()

		d.runCrashRecovery(ctx)

		// Promote only if no demotion arrived while recovery ran.
		d.roleMu.Lock()
		defer d.roleMu.Unlock()
		if d.roleGen != gen {
			slog.Info("Promotion superseded during crash recovery, staying standby")
			return
		}
		d.crashRecoveryRan.Store(true)
		d.isPrimary.Store(true)
		slog.Info("Outbox dispatcher promoted to primary")
	}()
}

// BecomeStandby disables polling immediately, including cancelling a
// promotion whose crash recovery is still running. In-flight batches
// complete and write their outcomes; that is safe because the new
// primary's crash recovery only touches rows this instance never finishes.
func (d *Dispatcher) BecomeStandby() {
	d.roleMu.Lock()
	wasPrimary := d.wantPrimary
	d.wantPrimary = false
	d.roleGen++
	d.isPrimary.Store(false)
	d.roleMu.Unlock()

	if wasPrimary {
		slog.Warn("Outbox dispatcher demoted to standby")
	}
}

// IsPrimary reports whether the dispatcher currently polls.
func (d *Dispatcher) IsPrimary() bool {
	return d.isPrimary.Load()
}

// IsRunning reports whether the pipeline goroutines are up.
func (d *Dispatcher) IsRunning() bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	return d.running
}

// Stats returns a point-in-time snapshot for the status endpoint.
func (d *Dispatcher) Stats() DispatcherStats {
	d.runningMu.Lock()
	running := d.running
	d.runningMu.Unlock()

	var lastPoll time.Time
	if nanos := d.lastPollAt.Load(); nanos > 0 {
		lastPoll = time.Unix(0, nanos)
	}

	return DispatcherStats{
		Running:          running,
		Primary:          d.isPrimary.Load(),
		InFlight:         int(atomic.LoadInt32(&d.inFlight)),
		MaxInFlight:      d.config.MaxInFlight,
		Buffered:         int(atomic.LoadInt32(&d.bufferSize)),
		BufferCapacity:   d.config.GlobalBufferSize,
		ActiveGroups:     int(atomic.LoadInt32(&d.activeGroups)),
		RejectedOffers:   atomic.LoadInt64(&d.rejectedOffers),
		LastPollAt:       lastPoll,
		CrashRecoveryRan: d.crashRecoveryRan.Load(),
	}
}

// runCrashRecovery re-pends every IN_PROGRESS row. A fresh primary owns
// nothing, so any in-progress row was orphaned by the previous leader.
func (d *Dispatcher) runCrashRecovery(ctx context.Context) {
	for _, itemType := range ItemTypes {
		stuck, err := d.repo.FetchStuckItems(ctx, itemType)
		if err != nil {
			slog.Error("Failed to fetch stuck rows during crash recovery",
				"error", err,
				"type", string(itemType))
			continue
		}

		if len(stuck) == 0 {
			continue
		}

		ids := itemIDs(stuck)
		if err := d.repo.ResetStuckItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset stuck rows during crash recovery",
				"error", err,
				"type", string(itemType),
				"count", len(ids))
			continue
		}

		metrics.OutboxItemsRecovered.WithLabelValues(string(itemType), "crash").Add(float64(len(ids)))
		slog.Info("Crash recovery reset stuck rows to PENDING",
			"type", string(itemType),
			"count", len(ids))
	}
}

// runRecovery periodically re-pends rows stuck in IN_PROGRESS or an error
// status longer than the processing timeout. This is the retry mechanism:
// failed rows are not retried inline, they age back into the poll.
func (d *Dispatcher) runRecovery() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.isPrimary.Load() {
				continue
			}
			d.recoverTimedOut()
		}
	}
}

func (d *Dispatcher) recoverTimedOut() {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range ItemTypes {
		items, err := d.repo.FetchRecoverableItems(ctx, itemType,
			d.config.ProcessingTimeoutSeconds, d.config.PollBatchSize)
		if err != nil {
			slog.Error("Failed to fetch recoverable rows",
				"error", err,
				"type", string(itemType))
			continue
		}

		if len(items) == 0 {
			continue
		}

		ids := itemIDs(items)
		if err := d.repo.ResetRecoverableItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset recoverable rows",
				"error", err,
				"type", string(itemType),
				"count", len(ids))
			continue
		}

		metrics.OutboxItemsRecovered.WithLabelValues(string(itemType), "timeout").Add(float64(len(ids)))
		slog.Info("Periodic recovery reset rows to PENDING",
			"type", string(itemType),
			"count", len(ids))
	}
}

func (d *Dispatcher) runPoller() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.isPrimary.Load() {
				continue
			}
			d.doPoll()
		}
	}
}

func (d *Dispatcher) doPoll() {
	// A slow poll must not stack up behind the ticker.
	if !d.pollMu.TryLock() {
		return
	}
	defer d.pollMu.Unlock()

	d.lastPollAt.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range ItemTypes {
		// Capacity gate: only poll when a full batch fits in the pipeline.
		available := d.config.MaxInFlight - int(atomic.LoadInt32(&d.inFlight))
		if available < d.config.PollBatchSize {
			slog.Debug("Skipping poll, insufficient in-flight capacity",
				"type", string(itemType),
				"available", available,
				"pollBatchSize", d.config.PollBatchSize)
			continue
		}

		d.pollItemType(ctx, itemType)
	}
}

func (d *Dispatcher) pollItemType(ctx context.Context, itemType ItemType) {
	items, err := d.repo.FetchPending(ctx, itemType, d.config.PollBatchSize)
	if err != nil {
		slog.Error("Failed to fetch pending outbox rows",
			"error", err,
			"type", string(itemType))
		return
	}

	if len(items) == 0 {
		return
	}

	// Mark IN_PROGRESS before buffering. If the process dies after this
	// write the rows are orphaned, and the next promotion re-pends them.
	if err := d.repo.MarkAsInProgress(ctx, itemType, itemIDs(items)); err != nil {
		slog.Error("Failed to mark rows as in-progress",
			"error", err,
			"type", string(itemType),
			"count", len(items))
		return
	}

	metrics.OutboxItemsPolled.WithLabelValues(string(itemType)).Add(float64(len(items)))

	atomic.AddInt32(&d.inFlight, int32(len(items)))
	metrics.OutboxInFlight.Set(float64(atomic.LoadInt32(&d.inFlight)))

	rejected := 0
	for _, item := range items {
		select {
		case d.buffer <- item:
			atomic.AddInt32(&d.bufferSize, 1)
		default:
			// Full buffer: leave the row IN_PROGRESS and move on. Periodic
			// recovery re-pends it after the processing timeout.
			rejected++
			atomic.AddInt32(&d.inFlight, -1)
			atomic.AddInt64(&d.rejectedOffers, 1)
			metrics.OutboxBufferRejections.Inc()
		}
	}

	metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&d.bufferSize)))

	if rejected > 0 {
		slog.Warn("Global buffer full, rows left for recovery",
			"type", string(itemType),
			"rejected", rejected)
	}

	slog.Debug("Polled outbox rows",
		"type", string(itemType),
		"count", len(items),
		"rejected", rejected)
}

func (d *Dispatcher) runDistributor() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.buffer:
			atomic.AddInt32(&d.bufferSize, -1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&d.bufferSize)))
			d.dispatch(item)
		}
	}
}

// dispatch hands the item to its group worker, creating the worker on
// first sight of the group. The enqueue blocks when the group queue is
// full: that stalls the distributor and, transitively, the poller's
// capacity gate, which is the intended backpressure.
func (d *Dispatcher) dispatch(item *Item) {
	key := item.GroupKey()

	w, loaded := d.groups.LoadOrStore(key, newGroupWorker(d, key, item.Type))
	worker := w.(*groupWorker)
	if !loaded {
		atomic.AddInt32(&d.activeGroups, 1)
		metrics.OutboxActiveGroups.Set(float64(atomic.LoadInt32(&d.activeGroups)))
		d.wg.Add(1)
		go worker.run()
	}

	select {
	case worker.queue <- item:
	case <-d.ctx.Done():
		// The row stays IN_PROGRESS and is recovered on the next promotion.
	}
}

// runBacklogGauge samples the pending backlog for the dashboard.
func (d *Dispatcher) runBacklogGauge() {
	defer d.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
			for _, itemType := range ItemTypes {
				count, err := d.repo.CountPending(ctx, itemType)
				if err != nil {
					slog.Debug("Failed to count pending backlog",
						"error", err,
						"type", string(itemType))
					continue
				}
				metrics.OutboxPendingBacklog.WithLabelValues(string(itemType)).Set(float64(count))
			}
			cancel()
		}
	}
}

func itemIDs(items []*Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
