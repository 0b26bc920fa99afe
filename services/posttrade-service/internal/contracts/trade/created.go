package trade

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

// Regulatory classifications derived from the trade type.
const (
	ClassMiFIDEquity     = "MiFID_II_EQUITY"
	ClassMiFIDDerivative = "MiFID_II_DERIVATIVE"
	ClassEMIRFX          = "EMIR_FX"
	ClassUnclassified    = "UNCLASSIFIED"
)

// AdditionalDataRiskProfile is the additionalData key that pins a risk profile.
const AdditionalDataRiskProfile = "riskProfile"

func Classify(tradeType string) string {
	switch tradeType {
	case domain.TradeTypeEquity:
		return ClassMiFIDEquity
	case domain.TradeTypeOption:
		return ClassMiFIDDerivative
	case domain.TradeTypeFX:
		return ClassEMIRFX
	default:
		return ClassUnclassified
	}
}

// TradeCreatedContract is implemented only by the TradeCreated versions in this package.
type TradeCreatedContract interface {
	contracts.Contract
	tradeCreated()
}

// TradeDetails is the v1 trade body, shared by every TradeCreated version.
type TradeDetails struct {
	TraderID       string            `json:"traderId"`
	InstrumentID   string            `json:"instrumentId"`
	Quantity       float64           `json:"quantity"`
	Price          float64           `json:"price"`
	Direction      string            `json:"direction"`
	TradeType      string            `json:"tradeType"`
	Counterparty   string            `json:"counterparty"`
	TradeDate      time.Time         `json:"tradeDate"`
	Status         string            `json:"status"`
	AdditionalData map[string]string `json:"additionalData,omitempty"`
}

func detailsOf(p domain.TradeCreated) TradeDetails {
	return TradeDetails{
		TraderID:       p.TraderID,
		InstrumentID:   p.InstrumentID,
		Quantity:       p.Quantity,
		Price:          p.Price,
		Direction:      p.Direction,
		TradeType:      p.TradeType,
		Counterparty:   p.Counterparty,
		TradeDate:      p.TradeDate,
		Status:         p.Status,
		AdditionalData: p.AdditionalData,
	}
}

func (d TradeDetails) payload() domain.TradeCreated {
	return domain.TradeCreated{
		TraderID:       d.TraderID,
		InstrumentID:   d.InstrumentID,
		Quantity:       d.Quantity,
		Price:          d.Price,
		Direction:      d.Direction,
		TradeType:      d.TradeType,
		Counterparty:   d.Counterparty,
		TradeDate:      d.TradeDate,
		Status:         d.Status,
		AdditionalData: d.AdditionalData,
	}
}

func (d TradeDetails) clone() TradeDetails {
	if d.AdditionalData != nil {
		d.AdditionalData = maps.Clone(d.AdditionalData)
	}
	return d
}

type TradeCreatedV1 struct {
	Envelope
	TradeDetails
}

func (TradeCreatedV1) EventType() string  { return EventTradeCreated }
func (TradeCreatedV1) SchemaVersion() int { return 1 }
func (TradeCreatedV1) tradeCreated()      {}

// TradeCreatedV2 adds risk and regulatory enrichment.
type TradeCreatedV2 struct {
	Envelope
	TradeDetails
	RiskProfile              string  `json:"riskProfile"`
	NotionalValue            float64 `json:"notionalValue"`
	RegulatoryClassification string  `json:"regulatoryClassification"`
}

func (TradeCreatedV2) EventType() string  { return EventTradeCreated }
func (TradeCreatedV2) SchemaVersion() int { return 2 }
func (TradeCreatedV2) tradeCreated()      {}

func tradeCreatedToV1(e domain.Event) (TradeCreatedV1, error) {
	ev, ok := e.(domain.TradeCreatedEvent)
	if !ok {
		return TradeCreatedV1{}, unexpectedEvent(EventTradeCreated, e)
	}
	return TradeCreatedV1{Envelope: envelopeOf(ev.Header()), TradeDetails: detailsOf(ev.Payload())}, nil
}

// toV2 fills derived fields the producer left empty the same way upgrade does, so
// serializing a domain event directly at v2 agrees with upgrading its v1 form.
func (cc createdConverters) toV2(e domain.Event) (TradeCreatedV2, error) {
	ev, ok := e.(domain.TradeCreatedEvent)
	if !ok {
		return TradeCreatedV2{}, unexpectedEvent(EventTradeCreated, e)
	}
	p := ev.Payload()
	out := TradeCreatedV2{
		Envelope:                 envelopeOf(ev.Header()),
		TradeDetails:             detailsOf(p),
		RiskProfile:              p.RiskProfile,
		NotionalValue:            p.NotionalValue,
		RegulatoryClassification: p.RegulatoryClassification,
	}
	if out.NotionalValue == 0 {
		out.NotionalValue = p.Quantity * p.Price
	}
	if out.RegulatoryClassification == "" {
		out.RegulatoryClassification = Classify(p.TradeType)
	}
	if out.RiskProfile == "" {
		out.RiskProfile = cc.riskProfile(context.Background(), out.Envelope, out.TradeDetails)
	}
	return out, nil
}

func tradeCreatedV1ToDomain(c TradeCreatedV1) (domain.Event, error) {
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	return domain.NewTradeCreatedEvent(h, c.payload()), nil
}

func tradeCreatedV2ToDomain(c TradeCreatedV2) (domain.Event, error) {
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	p := c.payload()
	p.RiskProfile = c.RiskProfile
	p.NotionalValue = c.NotionalValue
	p.RegulatoryClassification = c.RegulatoryClassification
	return domain.NewTradeCreatedEvent(h, p), nil
}

type createdConverters struct {
	risk RiskAssessor
	log  *slog.Logger
}

func (cc createdConverters) upgrade(ctx context.Context, in contracts.Contract) (contracts.Contract, error) {
	c, ok := in.(TradeCreatedContract)
	if !ok {
		return nil, unsupportedContract(in)
	}
	switch v := c.(type) {
	case TradeCreatedV1:
		return TradeCreatedV2{
			Envelope:                 v.Envelope,
			TradeDetails:             v.TradeDetails.clone(),
			RiskProfile:              cc.riskProfile(ctx, v.Envelope, v.TradeDetails),
			NotionalValue:            v.Quantity * v.Price,
			RegulatoryClassification: Classify(v.TradeType),
		}, nil
	default:
		return nil, unsupportedContract(in)
	}
}

func (cc createdConverters) downgrade(_ context.Context, in contracts.Contract) (contracts.Contract, error) {
	c, ok := in.(TradeCreatedContract)
	if !ok {
		return nil, unsupportedContract(in)
	}
	switch v := c.(type) {
	case TradeCreatedV2:
		return TradeCreatedV1{Envelope: v.Envelope, TradeDetails: v.TradeDetails.clone()}, nil
	default:
		return nil, unsupportedContract(in)
	}
}

// riskProfile never fails: an assessor error degrades to STANDARD.
func (cc createdConverters) riskProfile(ctx context.Context, env Envelope, v TradeDetails) string {
	if p := v.AdditionalData[AdditionalDataRiskProfile]; p != "" {
		return p
	}
	if cc.risk == nil {
		return domain.RiskProfileStandard
	}
	p, err := cc.risk.AssessRisk(ctx, RiskInput{
		TradeID:       env.AggregateID,
		TraderID:      v.TraderID,
		InstrumentID:  v.InstrumentID,
		TradeType:     v.TradeType,
		Counterparty:  v.Counterparty,
		NotionalValue: v.Quantity * v.Price,
	})
	if err != nil || p == "" {
		cc.log.Warn("risk assessment unavailable, using default profile",
			"event_id", env.EventID,
			"aggregate_id", env.AggregateID,
			"risk_profile", domain.RiskProfileStandard,
			"err", err,
		)
		return domain.RiskProfileStandard
	}
	return p
}
