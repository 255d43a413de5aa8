package outbox

import (
	"context"
	"time"
)

// Repository is the storage contract for outbox rows. Implementations use
// plain status-gated SELECT/UPDATE, never row locks: at most one poller
// runs at a time (standby service), so the status column is the lock.
type Repository interface {
	// FetchPending returns up to limit rows with status=PENDING, ordered by
	// message_group then created_at. Read-only; the caller must follow up
	// with MarkAsInProgress before handing rows to the pipeline.
	FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error)

	// MarkAsInProgress transitions rows to IN_PROGRESS. The update is gated
	// on status=PENDING; under the single-leader invariant the gate never
	// excludes anything, it just keeps the write idempotent.
	MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error

	// MarkWithStatus writes a terminal status (SUCCESS or an error class).
	MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error

	// MarkWithStatusAndError writes a terminal error status together with
	// the error detail, and increments retry_count on each row.
	MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error

	// FetchStuckItems returns every IN_PROGRESS row, regardless of age.
	// Used by startup crash recovery: a fresh leader owns nothing, so any
	// in-progress row is orphaned.
	FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error)

	// ResetStuckItems rewinds IN_PROGRESS rows to PENDING.
	ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error

	// FetchRecoverableItems returns rows whose status is in
	// RecoverableStatuses and whose updated_at is older than
	// timeoutSeconds, up to limit.
	FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error)

	// ResetRecoverableItems rewinds recoverable rows to PENDING without
	// touching retry_count. Idempotent.
	ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error

	// IncrementRetryCount bumps retry_count and resets rows to PENDING in
	// one write. Exposed for operator tooling; the dispatch path records
	// errors via MarkWithStatusAndError instead.
	IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error

	// CountPending returns the pending backlog size for gauges.
	CountPending(ctx context.Context, itemType ItemType) (int64, error)

	// GetTableName returns the table/collection backing the item type.
	GetTableName(itemType ItemType) string

	// CreateSchema creates the outbox tables/collections and their indexes
	// if they do not exist.
	CreateSchema(ctx context.Context) error
}

// RepositoryConfig selects the backend and table names.
type RepositoryConfig struct {
	EventsTable       string
	DispatchJobsTable string
	DatabaseType      DatabaseType
}

// DefaultRepositoryConfig returns the conventional table names.
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{
		EventsTable:       "outbox_events",
		DispatchJobsTable: "outbox_dispatch_jobs",
		DatabaseType:      DatabasePostgreSQL,
	}
}

func (c *RepositoryConfig) tableFor(itemType ItemType) string {
	if itemType == ItemTypeDispatchJob {
		return c.DispatchJobsTable
	}
	return c.EventsTable
}

// ItemResult is the outcome for a single id within a batch.
type ItemResult struct {
	ID     string
	Status Status
	// Error holds the response detail for non-success statuses.
	Error string
}

// BatchResult carries one ItemResult per submitted id, in submission order.
// Today the platform answers with one status for the whole batch, so every
// entry normally shares a status; the shape already admits per-item
// responses and the application loop handles mixed results.
type BatchResult struct {
	Results []ItemResult
}

// uniformResult builds a BatchResult assigning one status to every item.
func uniformResult(items []*Item, status Status, detail string) *BatchResult {
	res := &BatchResult{Results: make([]ItemResult, len(items))}
	for i, item := range items {
		res.Results[i] = ItemResult{ID: item.ID, Status: status}
		if status != StatusSuccess {
			res.Results[i].Error = detail
		}
	}
	return res
}

// DispatcherStats is a point-in-time snapshot for the status endpoint.
type DispatcherStats struct {
	Running          bool      `json:"running"`
	Primary          bool      `json:"primary"`
	InFlight         int       `json:"inFlight"`
	MaxInFlight      int       `json:"maxInFlight"`
	Buffered         int       `json:"buffered"`
	BufferCapacity   int       `json:"bufferCapacity"`
	ActiveGroups     int       `json:"activeGroups"`
	RejectedOffers   int64     `json:"rejectedOffers"`
	LastPollAt       time.Time `json:"lastPollAt,omitempty"`
	CrashRecoveryRan bool      `json:"crashRecoveryRan"`
}
