// Package domain holds the immutable domain events produced by the trade command side.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact about one aggregate.
type Event interface {
	Header() Header
	// EventName is the Go-side type name, e.g. "TradeCreatedEvent".
	EventName() string
}

// Header carries the identity and ordering fields shared by every event.
type Header struct {
	EventID          string
	AggregateID      string
	AggregateType    string
	OccurredAt       time.Time
	AggregateVersion int
	CorrelationID    string
	CausedBy         string
}

var ErrInvalidHeader = errors.New("invalid event header")

// NewHeader builds a header for a freshly produced event. A new event id is generated
// and occurredAt is normalised to UTC.
func NewHeader(aggregateType, aggregateID string, aggregateVersion int, occurredAt time.Time, correlationID, causedBy string) (Header, error) {
	return RestoreHeader(uuid.NewString(), aggregateType, aggregateID, aggregateVersion, occurredAt, correlationID, causedBy)
}

// RestoreHeader builds a header with a known event id, used when reconstructing
// persisted events.
func RestoreHeader(eventID, aggregateType, aggregateID string, aggregateVersion int, occurredAt time.Time, correlationID, causedBy string) (Header, error) {
	switch {
	case strings.TrimSpace(eventID) == "":
		return Header{}, fmt.Errorf("%w: event id is required", ErrInvalidHeader)
	case strings.TrimSpace(aggregateID) == "":
		return Header{}, fmt.Errorf("%w: aggregate id is required", ErrInvalidHeader)
	case strings.TrimSpace(aggregateType) == "":
		return Header{}, fmt.Errorf("%w: aggregate type is required", ErrInvalidHeader)
	case aggregateVersion < 1:
		return Header{}, fmt.Errorf("%w: aggregate version must be >= 1 (got %d)", ErrInvalidHeader, aggregateVersion)
	case occurredAt.IsZero():
		return Header{}, fmt.Errorf("%w: occurredAt is required", ErrInvalidHeader)
	}
	return Header{
		EventID:          eventID,
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		OccurredAt:       occurredAt.UTC(),
		AggregateVersion: aggregateVersion,
		CorrelationID:    correlationID,
		CausedBy:         causedBy,
	}, nil
}

// PartitionKey is the cross-aggregate replay key, "aggregateType:aggregateId".
func (h Header) PartitionKey() string {
	return PartitionKey(h.AggregateType, h.AggregateID)
}

func PartitionKey(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

// TypeName strips the "Event" suffix convention: "TradeCreatedEvent" -> "TradeCreated".
func TypeName(e Event) string {
	return strings.TrimSuffix(e.EventName(), "Event")
}
