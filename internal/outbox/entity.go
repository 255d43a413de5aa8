// Package outbox drains application-owned outbox tables and delivers the
// rows to the DriftGate platform APIs in batches.
//
// The pipeline is single-leader and status-driven:
//  1. One poller (gated by the standby service) fetches rows WHERE status=0
//  2. Fetched rows are marked status=9 before they enter the buffer
//  3. A distributor routes rows to per-message-group workers (FIFO per group)
//  4. Workers submit batches to the platform API under a global concurrency
//     cap and write the per-row outcome back (1=success, 2-6=error classes)
//  5. Recovery rewinds orphaned status=9 rows and aged error rows to 0
//
// There is no row locking anywhere; correctness rests on the leader-election
// invariant. The same scheme runs unchanged on PostgreSQL, MySQL and MongoDB.
package outbox

import "time"

// Status is the processing state of an outbox item. The integer values are
// the stable wire codes stored in the customer's database.
type Status int

const (
	StatusPending       Status = 0
	StatusSuccess       Status = 1
	StatusBadRequest    Status = 2
	StatusInternalError Status = 3
	StatusUnauthorized  Status = 4
	StatusForbidden     Status = 5
	StatusGatewayError  Status = 6

	// StatusInProgress marks rows owned by the current leader. Orphaned
	// in-progress rows are rewound to pending by crash recovery.
	StatusInProgress Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusGatewayError:
		return "GATEWAY_ERROR"
	case StatusInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// IsError reports whether the status is one of the terminal error classes.
func (s Status) IsError() bool {
	switch s {
	case StatusBadRequest, StatusInternalError, StatusUnauthorized,
		StatusForbidden, StatusGatewayError:
		return true
	}
	return false
}

// RecoverableStatuses is the set the periodic recovery scan rewinds to
// PENDING once a row has sat in it longer than the processing timeout.
var RecoverableStatuses = []Status{
	StatusInProgress,
	StatusBadRequest,
	StatusInternalError,
	StatusUnauthorized,
	StatusForbidden,
	StatusGatewayError,
}

// ItemType selects the outbox table and the target endpoint.
type ItemType string

const (
	ItemTypeEvent       ItemType = "EVENT"
	ItemTypeDispatchJob ItemType = "DISPATCH_JOB"
)

// ItemTypes lists every type the poller and recovery loops iterate over.
var ItemTypes = []ItemType{ItemTypeEvent, ItemTypeDispatchJob}

// Item is one outbox row. IDs are TSIDs: globally unique and
// lexicographically time-ordered, assigned by the producing application.
type Item struct {
	ID           string    `bson:"_id" json:"id"`
	Type         ItemType  `bson:"type" json:"type"`
	MessageGroup string    `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Payload      string    `bson:"payload" json:"payload"`
	Status       Status    `bson:"status" json:"status"`
	RetryCount   int       `bson:"retryCount" json:"retryCount"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
	ErrorMessage string    `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// DefaultMessageGroup is the FIFO stream for rows without an explicit group.
const DefaultMessageGroup = "default"

// EffectiveGroup returns the message group, or "default" when unset.
func (i *Item) EffectiveGroup() string {
	if i.MessageGroup == "" {
		return DefaultMessageGroup
	}
	return i.MessageGroup
}

// GroupKey identifies the FIFO stream an item belongs to. Items of
// different types never share a stream even if their group names collide.
func (i *Item) GroupKey() string {
	return string(i.Type) + ":" + i.EffectiveGroup()
}

// StatusFromHTTP maps a platform API response code to an outbox status.
//
//	2xx           -> SUCCESS
//	401           -> UNAUTHORIZED
//	403           -> FORBIDDEN
//	other 4xx     -> BAD_REQUEST (400 and 422 included)
//	502, 503, 504 -> GATEWAY_ERROR
//	other 5xx     -> INTERNAL_ERROR
func StatusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == 401:
		return StatusUnauthorized
	case code == 403:
		return StatusForbidden
	case code >= 400 && code < 500:
		return StatusBadRequest
	case code == 502 || code == 503 || code == 504:
		return StatusGatewayError
	default:
		return StatusInternalError
	}
}

// DatabaseType selects the repository backend.
type DatabaseType string

const (
	DatabasePostgreSQL DatabaseType = "POSTGRESQL"
	DatabaseMySQL      DatabaseType = "MYSQL"
	DatabaseMongoDB    DatabaseType = "MONGODB"
)
