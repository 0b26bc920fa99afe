package kafkax

import (
	"context"
	"testing"
	"time"
)

func TestBuildMessageStampsTransportHeaders(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)
	msg := buildMessage(context.Background(), "posttrade.trade-created", []byte("Trade:T-1"), []byte(`{}`), map[string]string{
		HeaderEventType:     "TradeCreated",
		HeaderEventID:       "e-1",
		HeaderSchemaVersion: "2",
	}, now)

	if msg.Topic != "posttrade.trade-created" || string(msg.Key) != "Trade:T-1" {
		t.Fatalf("unexpected topic/key: %s %s", msg.Topic, msg.Key)
	}
	if got := HeaderValue(msg.Headers, HeaderMessageType); got != "TradeCreated" {
		t.Fatalf("messageType = %q", got)
	}
	if got := HeaderValue(msg.Headers, HeaderVersion); got != "2" {
		t.Fatalf("version = %q", got)
	}
	if got := HeaderValue(msg.Headers, HeaderTimestamp); got != "2025-06-02T10:30:00Z" {
		t.Fatalf("timestamp = %q", got)
	}
	if got := HeaderValue(msg.Headers, HeaderEventID); got != "e-1" {
		t.Fatalf("eventId = %q", got)
	}
}

func TestBuildMessageDefaults(t *testing.T) {
	msg := buildMessage(context.Background(), "topic-a", nil, nil, nil, time.Now())
	if got := HeaderValue(msg.Headers, HeaderMessageType); got != "topic-a" {
		t.Fatalf("messageType fallback = %q", got)
	}
	if got := HeaderValue(msg.Headers, HeaderVersion); got != "1" {
		t.Fatalf("version fallback = %q", got)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if _, err := NewProducer(ProducerConfig{}); err != ErrNoBrokers {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
}
