package eventstore

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrVersionSequence     = errors.New("events are not a contiguous version sequence")
	ErrAggregateMismatch   = errors.New("event does not belong to aggregate")
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different request")
)

// ConcurrencyError is returned when another writer appended to the aggregate after the
// caller read it. It matches ErrConcurrencyConflict under errors.Is.
type ConcurrencyError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, found %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }
