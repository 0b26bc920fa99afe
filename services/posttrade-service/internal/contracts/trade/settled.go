package trade

import (
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

type TradeSettledV1 struct {
	Envelope
	SettlementDate      time.Time `json:"settlementDate"`
	SettledAmount       float64   `json:"settledAmount"`
	Currency            string    `json:"currency"`
	SettlementReference string    `json:"settlementReference"`
}

func (TradeSettledV1) EventType() string  { return EventTradeSettled }
func (TradeSettledV1) SchemaVersion() int { return 1 }

func tradeSettledToV1(e domain.Event) (TradeSettledV1, error) {
	ev, ok := e.(domain.TradeSettledEvent)
	if !ok {
		return TradeSettledV1{}, unexpectedEvent(EventTradeSettled, e)
	}
	p := ev.Payload()
	return TradeSettledV1{
		Envelope:            envelopeOf(ev.Header()),
		SettlementDate:      p.SettlementDate,
		SettledAmount:       p.SettledAmount,
		Currency:            p.Currency,
		SettlementReference: p.SettlementReference,
	}, nil
}

func tradeSettledV1ToDomain(c TradeSettledV1) (domain.Event, error) {
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	return domain.NewTradeSettledEvent(h, domain.TradeSettled{
		SettlementDate:      c.SettlementDate,
		SettledAmount:       c.SettledAmount,
		Currency:            c.Currency,
		SettlementReference: c.SettlementReference,
	}), nil
}
