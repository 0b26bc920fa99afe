// Package storage defines the rows the event store and outbox persist and the
// repository contracts the drivers implement.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVersion is a unique violation on (aggregate_id, aggregate_version).
	ErrDuplicateVersion = errors.New("aggregate version already exists")
	ErrDuplicateEvent   = errors.New("event id already exists")
	// ErrIdempotencyKeyInUse is returned when an unexpired idempotency row already holds
	// the key.
	ErrIdempotencyKeyInUse = errors.New("idempotency key in use")
)

// DefaultLimit is the page size every driver uses when a fetch or list is called with
// limit <= 0.
const DefaultLimit = 100

func Limit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

type EventRecord struct {
	EventID          string
	AggregateID      string
	AggregateType    string
	PartitionKey     string
	AggregateVersion int
	EventType        string
	Data             []byte
	Metadata         []byte
	OccurredAt       time.Time
	CreatedAt        time.Time
	CorrelationID    string
	CausedBy         string
	IsProcessed      bool
	ProcessedAt      *time.Time
}

// OutboxRecord is one pending or settled publication. IsProcessed and IsDeadLettered
// are never both true.
type OutboxRecord struct {
	ID               int64
	EventID          string
	AggregateID      string
	AggregateType    string
	EventType        string
	Data             []byte
	Metadata         []byte
	Topic            string
	PartitionKey     string
	Traceparent      string
	Tracestate       string
	CreatedAt        time.Time
	IsProcessed      bool
	ProcessedAt      *time.Time
	RetryCount       int
	LastRetryAt      *time.Time
	ErrorMessage     string
	IsDeadLettered   bool
	DeadLetteredAt   *time.Time
	DeadLetterReason string
}

type IdempotencyRecord struct {
	Key          string
	AggregateID  string
	RequestHash  string
	ResponseData []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Read-side dead letter reasons.
const (
	ReasonMalformedMetadata         = "malformed_metadata"
	ReasonUnresolvableSchemaVersion = "unresolvable_schema_version"
	ReasonDeserializationFailure    = "deserialization_failure"
)

// ReadDeadLetter records a stored event that could not be read back.
type ReadDeadLetter struct {
	EventID          string
	AggregateID      string
	AggregateVersion int
	EventType        string
	Reason           string
	ErrorMessage     string
	Metadata         []byte
	CreatedAt        time.Time
}

// Tx is the write side of one event store transaction. Nothing is visible to other
// readers until the enclosing WithTx returns nil.
type Tx interface {
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)
	ExistingEventIDs(ctx context.Context, eventIDs []string) (map[string]bool, error)
	InsertEvent(ctx context.Context, rec EventRecord) error
	InsertOutbox(ctx context.Context, rec OutboxRecord) error
	// InsertIdempotency replaces an expired row with the same key and fails with
	// ErrIdempotencyKeyInUse otherwise.
	InsertIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

type EventRepository interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	// LoadEvents returns rows with aggregate_version > fromVersion, ascending.
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]EventRecord, error)
	LoadPartition(ctx context.Context, partitionKey string, after time.Time, limit int) ([]EventRecord, error)
	GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
	// InsertReadDeadLetter is a no-op when the event is already recorded.
	InsertReadDeadLetter(ctx context.Context, rec ReadDeadLetter) error
	ListReadDeadLetters(ctx context.Context, limit int) ([]ReadDeadLetter, error)
}

type OutboxRepository interface {
	// FetchPending returns rows neither processed nor dead-lettered, oldest first.
	FetchPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	// FetchRetryable narrows FetchPending to rows below maxRetryCount whose last attempt
	// is unset or not after retryBefore.
	FetchRetryable(ctx context.Context, maxRetryCount int, retryBefore time.Time, limit int) ([]OutboxRecord, error)
	FetchDeadLettered(ctx context.Context, limit int) ([]OutboxRecord, error)
	CountDeadLettered(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (OutboxRecord, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, retryCount int, errMsg string, at time.Time) error
	// MoveToDeadLetter reports false when the row is already processed or dead-lettered.
	MoveToDeadLetter(ctx context.Context, id int64, retryCount int, reason string, at time.Time) (bool, error)
	// ResetDeadLettered returns a dead-lettered row to pending with a clean retry
	// history. It reports false when the row is not dead-lettered.
	ResetDeadLettered(ctx context.Context, id int64) (bool, error)
}

// Repository is what a storage driver provides.
type Repository interface {
	EventRepository
	OutboxRepository
}
