package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

// ApproverSystem is recorded when a status change has no human approver.
const ApproverSystem = "SYSTEM"

type TradeStatusChangedContract interface {
	contracts.Contract
	tradeStatusChanged()
}

type StatusChange struct {
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
	Reason         string `json:"reason"`
	ChangedBy      string `json:"changedBy"`
}

type TradeStatusChangedV1 struct {
	Envelope
	StatusChange
}

func (TradeStatusChangedV1) EventType() string   { return EventTradeStatusChanged }
func (TradeStatusChangedV1) SchemaVersion() int  { return 1 }
func (TradeStatusChangedV1) tradeStatusChanged() {}

// TradeStatusChangedV2 adds approval tracking.
type TradeStatusChangedV2 struct {
	Envelope
	StatusChange
	ApprovedBy        string    `json:"approvedBy"`
	ApprovalTimestamp time.Time `json:"approvalTimestamp"`
	AuditTrail        string    `json:"auditTrail"`
}

func (TradeStatusChangedV2) EventType() string   { return EventTradeStatusChanged }
func (TradeStatusChangedV2) SchemaVersion() int  { return 2 }
func (TradeStatusChangedV2) tradeStatusChanged() {}

func AuditTrail(previous, next, reason string) string {
	return fmt.Sprintf("Status changed from %s to %s. Reason: %s", previous, next, reason)
}

func approver(changedBy string) string {
	if changedBy != "" {
		return changedBy
	}
	return ApproverSystem
}

func approvalFields(env Envelope, s StatusChange) (string, time.Time, string) {
	return approver(s.ChangedBy), env.OccurredAt, AuditTrail(s.PreviousStatus, s.NewStatus, s.Reason)
}

func statusChangeOf(p domain.TradeStatusChanged) StatusChange {
	return StatusChange{
		PreviousStatus: p.PreviousStatus,
		NewStatus:      p.NewStatus,
		Reason:         p.Reason,
		ChangedBy:      p.ChangedBy,
	}
}

func (s StatusChange) payload() domain.TradeStatusChanged {
	return domain.TradeStatusChanged{
		PreviousStatus: s.PreviousStatus,
		NewStatus:      s.NewStatus,
		Reason:         s.Reason,
		ChangedBy:      s.ChangedBy,
	}
}

func statusChangedToV1(e domain.Event) (TradeStatusChangedV1, error) {
	ev, ok := e.(domain.TradeStatusChangedEvent)
	if !ok {
		return TradeStatusChangedV1{}, unexpectedEvent(EventTradeStatusChanged, e)
	}
	return TradeStatusChangedV1{Envelope: envelopeOf(ev.Header()), StatusChange: statusChangeOf(ev.Payload())}, nil
}

func statusChangedToV2(e domain.Event) (TradeStatusChangedV2, error) {
	ev, ok := e.(domain.TradeStatusChangedEvent)
	if !ok {
		return TradeStatusChangedV2{}, unexpectedEvent(EventTradeStatusChanged, e)
	}
	p := ev.Payload()
	out := TradeStatusChangedV2{
		Envelope:          envelopeOf(ev.Header()),
		StatusChange:      statusChangeOf(p),
		ApprovedBy:        p.ApprovedBy,
		ApprovalTimestamp: p.ApprovalTimestamp,
		AuditTrail:        p.AuditTrail,
	}
	by, at, trail := approvalFields(out.Envelope, out.StatusChange)
	if out.ApprovedBy == "" {
		out.ApprovedBy = by
	}
	if out.ApprovalTimestamp.IsZero() {
		out.ApprovalTimestamp = at
	}
	if out.AuditTrail == "" {
		out.AuditTrail = trail
	}
	return out, nil
}

func statusChangedV1ToDomain(c TradeStatusChangedV1) (domain.Event, error) {
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	return domain.NewTradeStatusChangedEvent(h, c.payload()), nil
}

func statusChangedV2ToDomain(c TradeStatusChangedV2) (domain.Event, error) {
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	p := c.payload()
	p.ApprovedBy = c.ApprovedBy
	p.ApprovalTimestamp = c.ApprovalTimestamp
	p.AuditTrail = c.AuditTrail
	return domain.NewTradeStatusChangedEvent(h, p), nil
}

func upgradeStatusChanged(_ context.Context, in contracts.Contract) (contracts.Contract, error) {
	c, ok := in.(TradeStatusChangedContract)
	if !ok {
		return nil, unsupportedContract(in)
	}
	switch v := c.(type) {
	case TradeStatusChangedV1:
		by, at, trail := approvalFields(v.Envelope, v.StatusChange)
		return TradeStatusChangedV2{
			Envelope:          v.Envelope,
			StatusChange:      v.StatusChange,
			ApprovedBy:        by,
			ApprovalTimestamp: at,
			AuditTrail:        trail,
		}, nil
	default:
		return nil, unsupportedContract(in)
	}
}

func downgradeStatusChanged(_ context.Context, in contracts.Contract) (contracts.Contract, error) {
	c, ok := in.(TradeStatusChangedContract)
	if !ok {
		return nil, unsupportedContract(in)
	}
	switch v := c.(type) {
	case TradeStatusChangedV2:
		return TradeStatusChangedV1{Envelope: v.Envelope, StatusChange: v.StatusChange}, nil
	default:
		return nil, unsupportedContract(in)
	}
}
