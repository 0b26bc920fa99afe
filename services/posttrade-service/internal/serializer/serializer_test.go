package serializer

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts/trade"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

var (
	occurred = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	cutover  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type rejectAll struct{}

func (rejectAll) Validate(string, []byte, int) bool { return false }

func newSerializer(t *testing.T, v Validator, logs *bytes.Buffer) *Serializer {
	t.Helper()
	reg := contracts.NewRegistry()
	require.NoError(t, trade.Register(reg, trade.Options{}))
	require.NoError(t, reg.Seal())
	s := New(reg, v, Config{EventSource: "posttrade-service", CreatedBy: "tests", LegacyCutover: cutover},
		slog.New(slog.NewJSONHandler(logs, nil)))
	s.now = func() time.Time { return occurred.Add(time.Second) }
	return s
}

func tradeCreated(t *testing.T) domain.TradeCreatedEvent {
	t.Helper()
	h, err := domain.RestoreHeader("evt-9", domain.AggregateTypeTrade, "T-9", 1, occurred, "corr-9", "")
	require.NoError(t, err)
	return domain.NewTradeCreatedEvent(h, domain.TradeCreated{
		TraderID: "tr-1", InstrumentID: "MSFT", Quantity: 10, Price: 300, Direction: "SELL",
		TradeType: domain.TradeTypeEquity, Counterparty: "CP", TradeDate: occurred, Status: "NEW",
	})
}

func TestSerializeStampsMetadata(t *testing.T) {
	var logs bytes.Buffer
	s := newSerializer(t, nil, &logs)

	out, err := s.Serialize(tradeCreated(t), 0)
	require.NoError(t, err)
	require.Equal(t, trade.EventTradeCreated, out.EventType)
	require.Equal(t, 2, out.SchemaVersion)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(out.Metadata, &meta))
	require.Equal(t, "2", meta["SchemaVersion"])
	require.Equal(t, "TradeCreated/v2", meta["SchemaId"])
	require.Equal(t, "posttrade-service", meta["EventSource"])
	require.Equal(t, "tests", meta["CreatedBy"])
	require.Equal(t, "corr-9", meta["CorrelationId"])
	require.Equal(t, "2024-06-03T12:00:01Z", meta["SerializedAt"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &body))
	require.Equal(t, 3000.0, body["notionalValue"])
}

func TestSerializeUnregisteredEventType(t *testing.T) {
	s := newSerializer(t, nil, &bytes.Buffer{})
	_, err := s.Serialize(unknownEvent{}, 0)
	require.ErrorIs(t, err, contracts.ErrUnregisteredEventType)
}

type unknownEvent struct{}

func (unknownEvent) Header() domain.Header { return domain.Header{} }
func (unknownEvent) EventName() string     { return "TradeAmendedEvent" }

func TestValidationFailureIsAdvisory(t *testing.T) {
	var logs bytes.Buffer
	s := newSerializer(t, rejectAll{}, &logs)

	_, err := s.Serialize(tradeCreated(t), 1)
	require.NoError(t, err)
	require.Contains(t, logs.String(), "failed schema validation")
}

func TestFieldValidator(t *testing.T) {
	v := NewFieldValidator(trade.RequiredFields())
	s := newSerializer(t, v, &bytes.Buffer{})

	out, err := s.Serialize(tradeCreated(t), 1)
	require.NoError(t, err)
	require.True(t, v.Validate(out.EventType, out.Data, 1))
	require.False(t, v.Validate(out.EventType, out.Data, 2))
	require.False(t, v.Validate(out.EventType, []byte(`not json`), 1))
	require.True(t, v.Validate("Unknown", []byte(`{}`), 1))
}

func TestDeserializeUpgradesStoredV1(t *testing.T) {
	s := newSerializer(t, nil, &bytes.Buffer{})
	ev := tradeCreated(t)

	out, err := s.Serialize(ev, 1)
	require.NoError(t, err)

	got, err := s.Deserialize(context.Background(), Stored{
		EventID: "evt-9", EventType: out.EventType, Data: out.Data, Metadata: out.Metadata, CreatedAt: occurred,
	})
	require.NoError(t, err)
	p := got.(domain.TradeCreatedEvent).Payload()
	require.Equal(t, 3000.0, p.NotionalValue)
	require.Equal(t, trade.ClassMiFIDEquity, p.RegulatoryClassification)
	require.Equal(t, ev.Header(), got.Header())
}

func TestResolveVersion(t *testing.T) {
	var logs bytes.Buffer
	s := newSerializer(t, nil, &logs)

	_, err := s.ResolveVersion(Stored{Metadata: []byte(`{{{`)})
	require.ErrorIs(t, err, ErrMalformedMetadata)

	_, err = s.ResolveVersion(Stored{Metadata: nil})
	require.ErrorIs(t, err, ErrMalformedMetadata)

	v, err := s.ResolveVersion(Stored{Metadata: []byte(`{"SchemaVersion":" 2 "}`)})
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = s.ResolveVersion(Stored{Metadata: []byte(`{"SchemaVersion":"abc"}`), CreatedAt: occurred})
	require.ErrorIs(t, err, ErrUnresolvableSchemaVersion)

	v, err = s.ResolveVersion(Stored{EventID: "old-1", Metadata: []byte(`{}`), CreatedAt: cutover.Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Contains(t, logs.String(), "reading legacy row as v1")
}

func TestDeserializeWrapsPayloadFailures(t *testing.T) {
	s := newSerializer(t, nil, &bytes.Buffer{})

	_, err := s.Deserialize(context.Background(), Stored{
		EventType: trade.EventTradeCreated, Data: []byte(`{"quantity":"lots"}`), Metadata: []byte(`{"SchemaVersion":"1"}`),
	})
	var de *DeserializationError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 1, de.Version)

	_, err = s.Deserialize(context.Background(), Stored{
		EventType: trade.EventTradeCreated, Data: []byte(`{}`), Metadata: []byte(`{"SchemaVersion":"7"}`),
	})
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, contracts.ErrUnsupportedSchemaVersion)
}
