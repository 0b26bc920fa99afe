package trade

import (
	"context"
	"io"
	"log/slog"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
)

// RiskInput is what the risk service needs to profile a trade.
type RiskInput struct {
	TradeID       string
	TraderID      string
	InstrumentID  string
	TradeType     string
	Counterparty  string
	NotionalValue float64
}

type RiskAssessor interface {
	AssessRisk(ctx context.Context, in RiskInput) (string, error)
}

type RiskAssessorFunc func(ctx context.Context, in RiskInput) (string, error)

func (f RiskAssessorFunc) AssessRisk(ctx context.Context, in RiskInput) (string, error) {
	return f(ctx, in)
}

type Options struct {
	// Risk is consulted when upgrading TradeCreated v1 rows that carry no risk profile.
	// Nil means every such row gets STANDARD.
	Risk   RiskAssessor
	Logger *slog.Logger
}

// Register adds every trade contract version and converter to reg.
func Register(reg *contracts.Registry, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	created := createdConverters{risk: opts.Risk, log: log}

	type contractReg struct {
		eventType string
		version   int
		codec     contracts.Codec
	}
	type converterReg struct {
		eventType string
		from, to  int
		fn        contracts.ConvertFunc
	}

	for _, c := range []contractReg{
		{EventTradeCreated, 1, contracts.JSONCodec(tradeCreatedToV1, tradeCreatedV1ToDomain)},
		{EventTradeCreated, 2, contracts.JSONCodec(created.toV2, tradeCreatedV2ToDomain)},
		{EventTradeStatusChanged, 1, contracts.JSONCodec(statusChangedToV1, statusChangedV1ToDomain)},
		{EventTradeStatusChanged, 2, contracts.JSONCodec(statusChangedToV2, statusChangedV2ToDomain)},
		{EventTradeSettled, 1, contracts.JSONCodec(tradeSettledToV1, tradeSettledV1ToDomain)},
	} {
		if err := reg.RegisterContract(c.eventType, c.version, c.codec); err != nil {
			return err
		}
	}
	for _, c := range []converterReg{
		{EventTradeCreated, 1, 2, created.upgrade},
		{EventTradeCreated, 2, 1, created.downgrade},
		{EventTradeStatusChanged, 1, 2, upgradeStatusChanged},
		{EventTradeStatusChanged, 2, 1, downgradeStatusChanged},
	} {
		if err := reg.RegisterConverter(c.eventType, c.from, c.to, c.fn); err != nil {
			return err
		}
	}
	return nil
}

// RequiredFields lists the JSON keys each trade contract version must carry. It feeds
// the serializer's structural validator.
func RequiredFields() map[contracts.SchemaRef][]string {
	envelope := []string{"eventId", "aggregateId", "aggregateType", "occurredAt", "aggregateVersion"}
	with := func(keys ...string) []string {
		return append(append([]string(nil), envelope...), keys...)
	}
	created := []string{"traderId", "instrumentId", "quantity", "price", "direction", "tradeType", "tradeDate", "status"}
	status := []string{"previousStatus", "newStatus"}
	return map[contracts.SchemaRef][]string{
		{EventType: EventTradeCreated, Version: 1}:       with(created...),
		{EventType: EventTradeCreated, Version: 2}:       with(append(created, "riskProfile", "notionalValue", "regulatoryClassification")...),
		{EventType: EventTradeStatusChanged, Version: 1}: with(status...),
		{EventType: EventTradeStatusChanged, Version: 2}: with(append(status, "approvedBy", "approvalTimestamp", "auditTrail")...),
		{EventType: EventTradeSettled, Version: 1}:       with("settlementDate", "settledAmount", "currency", "settlementReference"),
	}
}
