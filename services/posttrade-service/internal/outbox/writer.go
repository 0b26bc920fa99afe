// Package outbox delivers stored events to the transport: the writer stages rows inside
// the event store transaction and the dispatcher publishes them with retry, parking
// exhausted rows in a dead letter queue.
package outbox

import (
	"context"
	"strings"
	"time"
	"unicode"

	otelx "github.com/dangoth/posttrade-poc-sub000/libs/otel"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

// TopicResolver maps an event type to its transport topic.
type TopicResolver func(eventType string) string

// TopicPerEventType names topics "<prefix>.<kebab-event-type>", e.g.
// "posttrade.trade-created". An empty prefix yields the bare kebab name.
func TopicPerEventType(prefix string) TopicResolver {
	prefix = strings.Trim(prefix, ". ")
	return func(eventType string) string {
		name := kebab(eventType)
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
}

func kebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Writer inserts the outbox row for an event. It must run inside the transaction that
// inserts the event row.
type Writer struct {
	topic TopicResolver
	now   func() time.Time
}

func NewWriter(topic TopicResolver) *Writer {
	return &Writer{topic: topic, now: time.Now}
}

func (w *Writer) Write(ctx context.Context, tx storage.Tx, partitionKey string, e domain.Event, s serializer.Serialized) error {
	h := e.Header()
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return tx.InsertOutbox(ctx, storage.OutboxRecord{
		EventID:       h.EventID,
		AggregateID:   h.AggregateID,
		AggregateType: h.AggregateType,
		EventType:     s.EventType,
		Data:          s.Data,
		Metadata:      s.Metadata,
		Topic:         w.topic(s.EventType),
		PartitionKey:  partitionKey,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		CreatedAt:     w.now().UTC(),
	})
}
