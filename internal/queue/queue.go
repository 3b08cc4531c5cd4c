package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Kind tags the payload content of a row.
type Kind string

const (
	KindText  Kind = "text"
	KindFile  Kind = "file"
	KindEvent Kind = "event"
)

// Instance selects which of the two queue tables a store is bound to.
// The inbound instance partitions by session key; the outbox instance
// is unscoped and drained oldest-first across all rows.
type Instance string

const (
	InstanceInbound Instance = "inbound"
	InstanceOutbox  Instance = "outbox"
)

func (i Instance) table() (string, error) {
	switch i {
	case InstanceInbound:
		return "inbound_messages", nil
	case InstanceOutbox:
		return "outbox_notifications", nil
	default:
		return "", ErrUnknownInstance
	}
}

var (
	ErrUnknownInstance = errors.New("unknown queue instance")
	ErrDuplicate       = errors.New("dedup key already enqueued")
	ErrRowNotFound     = errors.New("queue row not found")
)

// Row is one unit of deliverable work. IDs are assigned at insert,
// monotonically increasing, and define FIFO order within a key.
type Row struct {
	ID           int64
	Key          string
	Origin       string
	Kind         Kind
	Payload      []byte
	Recipient    string
	Attachment   string
	DedupKey     string
	Status       Status
	AttemptCount int
	CreatedAt    time.Time
	// NextAttemptAt is zero when the row is parked with no further
	// attempts scheduled (permanent failure).
	NextAttemptAt time.Time
	LockedAt      time.Time
	DeliveredAt   time.Time
	LastError     string
}

type Stats struct {
	Total    int
	ByStatus map[Status]int

	OldestPendingCreatedAt time.Time
	OldestPendingAge       time.Duration
}

// Store is the persistence contract shared by both queue instances.
// Every operation is atomic with respect to concurrent callers; Claim is
// the only mutual-exclusion primitive the rest of the daemon relies on.
type Store interface {
	// Enqueue inserts a pending row with NextAttemptAt set to now and
	// returns its id. A row whose (origin, dedup key) pair was already
	// seen is not inserted and ErrDuplicate is returned.
	Enqueue(row Row) (int64, error)

	// FetchEligible returns up to limit rows ordered by id ascending that
	// are due for a delivery attempt: pending or failed rows whose
	// NextAttemptAt has passed, plus processing rows whose lock is older
	// than lockCutoff (abandoned by a crashed worker). An empty key
	// matches rows of every key.
	FetchEligible(key string, limit int, now, lockCutoff time.Time) ([]Row, error)

	// Claim conditionally transitions a row to processing. The condition
	// is the same eligibility predicate FetchEligible uses, so of two
	// concurrent claims on one row exactly one succeeds.
	Claim(id int64, now, lockCutoff time.Time) (bool, error)

	MarkDelivered(id int64, now time.Time) error

	// MarkFailed records a failed attempt: increments the attempt count,
	// stores cause and schedules the next attempt. A zero nextAttemptAt
	// parks the row permanently.
	MarkFailed(id int64, nextAttemptAt time.Time, cause string) error

	// ExpireKey bulk-transitions every non-terminal row of a key to
	// expired and reports how many rows it touched.
	ExpireKey(key string, now time.Time) (int, error)

	// KeysWithPending lists keys holding undelivered rows. Used only for
	// startup recovery.
	KeysWithPending() ([]string, error)

	// Cleanup deletes delivered and expired rows created before the
	// cutoff. Rows still awaiting delivery are never removed.
	Cleanup(olderThan time.Time) (int, error)

	Stats() (Stats, error)

	Close() error
}
