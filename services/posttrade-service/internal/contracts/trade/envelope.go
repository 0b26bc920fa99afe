// Package trade holds the versioned wire contracts of the trade aggregate and the
// converters between adjacent versions.
package trade

import (
	"fmt"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

const (
	EventTradeCreated       = "TradeCreated"
	EventTradeStatusChanged = "TradeStatusChanged"
	EventTradeSettled       = "TradeSettled"
)

// Envelope is the identity block every trade contract carries, at every version.
type Envelope struct {
	EventID          string    `json:"eventId"`
	AggregateID      string    `json:"aggregateId"`
	AggregateType    string    `json:"aggregateType"`
	OccurredAt       time.Time `json:"occurredAt"`
	AggregateVersion int       `json:"aggregateVersion"`
	CorrelationID    string    `json:"correlationId,omitempty"`
	CausedBy         string    `json:"causedBy,omitempty"`
}

func envelopeOf(h domain.Header) Envelope {
	return Envelope{
		EventID:          h.EventID,
		AggregateID:      h.AggregateID,
		AggregateType:    h.AggregateType,
		OccurredAt:       h.OccurredAt,
		AggregateVersion: h.AggregateVersion,
		CorrelationID:    h.CorrelationID,
		CausedBy:         h.CausedBy,
	}
}

func (e Envelope) header() (domain.Header, error) {
	return domain.RestoreHeader(e.EventID, e.AggregateType, e.AggregateID, e.AggregateVersion, e.OccurredAt, e.CorrelationID, e.CausedBy)
}

func unexpectedEvent(want string, got domain.Event) error {
	return fmt.Errorf("%w: expected %s event, got %T", contracts.ErrUnsupportedSchemaVersion, want, got)
}

func unsupportedContract(c contracts.Contract) error {
	return fmt.Errorf("%w: %s v%d (%T)", contracts.ErrUnsupportedSchemaVersion, c.EventType(), c.SchemaVersion(), c)
}
