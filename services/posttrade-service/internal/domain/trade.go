package domain

import (
	"maps"
	"time"
)

const AggregateTypeTrade = "Trade"

// Trade type tags.
const (
	TradeTypeEquity = "EQUITY"
	TradeTypeOption = "OPTION"
	TradeTypeFX     = "FX"
)

// RiskProfileStandard is the default when neither the trade nor the risk service
// provides a profile.
const RiskProfileStandard = "STANDARD"

// TradeCreated is the payload of a TradeCreatedEvent.
type TradeCreated struct {
	TraderID       string
	InstrumentID   string
	Quantity       float64
	Price          float64
	Direction      string
	TradeType      string
	Counterparty   string
	TradeDate      time.Time
	Status         string
	AdditionalData map[string]string

	RiskProfile              string
	NotionalValue            float64
	RegulatoryClassification string
}

type TradeCreatedEvent struct {
	header  Header
	payload TradeCreated
}

func NewTradeCreatedEvent(h Header, p TradeCreated) TradeCreatedEvent {
	p.AdditionalData = cloneData(p.AdditionalData)
	p.TradeDate = p.TradeDate.UTC()
	return TradeCreatedEvent{header: h, payload: p}
}

func (e TradeCreatedEvent) Header() Header    { return e.header }
func (e TradeCreatedEvent) EventName() string { return "TradeCreatedEvent" }

func (e TradeCreatedEvent) Payload() TradeCreated {
	p := e.payload
	p.AdditionalData = cloneData(p.AdditionalData)
	return p
}

// TradeStatusChanged is the payload of a TradeStatusChangedEvent. The approval fields
// are empty for events that predate approval tracking.
type TradeStatusChanged struct {
	PreviousStatus string
	NewStatus      string
	Reason         string
	ChangedBy      string

	ApprovedBy        string
	ApprovalTimestamp time.Time
	AuditTrail        string
}

type TradeStatusChangedEvent struct {
	header  Header
	payload TradeStatusChanged
}

func NewTradeStatusChangedEvent(h Header, p TradeStatusChanged) TradeStatusChangedEvent {
	if !p.ApprovalTimestamp.IsZero() {
		p.ApprovalTimestamp = p.ApprovalTimestamp.UTC()
	}
	return TradeStatusChangedEvent{header: h, payload: p}
}

func (e TradeStatusChangedEvent) Header() Header              { return e.header }
func (e TradeStatusChangedEvent) EventName() string           { return "TradeStatusChangedEvent" }
func (e TradeStatusChangedEvent) Payload() TradeStatusChanged { return e.payload }

type TradeSettled struct {
	SettlementDate      time.Time
	SettledAmount       float64
	Currency            string
	SettlementReference string
}

type TradeSettledEvent struct {
	header  Header
	payload TradeSettled
}

func NewTradeSettledEvent(h Header, p TradeSettled) TradeSettledEvent {
	p.SettlementDate = p.SettlementDate.UTC()
	return TradeSettledEvent{header: h, payload: p}
}

func (e TradeSettledEvent) Header() Header        { return e.header }
func (e TradeSettledEvent) EventName() string     { return "TradeSettledEvent" }
func (e TradeSettledEvent) Payload() TradeSettled { return e.payload }

func cloneData(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}
