package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

type ProducerConfig struct {
	Brokers      string
	WriteTimeout time.Duration

	AllowAutoTopicCreation bool
}

// Producer publishes keyed messages with RequireAll acknowledgements. Messages with the
// same key land on the same partition, which keeps per-aggregate order on the wire.
type Producer struct {
	writer *kafka.Writer
	now    func() time.Time
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           cfg.WriteTimeout,
			MaxAttempts:            1,
			AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
		},
		now: time.Now,
	}, nil
}

// Publish writes a single message synchronously. Retries are owned by the caller, so
// the writer is configured for a single attempt.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := buildMessage(ctx, topic, key, value, headers, p.now())
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func buildMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string, now time.Time) kafka.Message {
	stamped := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		stamped[k] = v
	}
	messageType := headers[HeaderEventType]
	if messageType == "" {
		messageType = topic
	}
	version := headers[HeaderSchemaVersion]
	if version == "" {
		version = "1"
	}
	stamped[HeaderMessageType] = messageType
	stamped[HeaderVersion] = version
	stamped[HeaderTimestamp] = now.UTC().Format(time.RFC3339Nano)

	return kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: InjectTraceHeaders(ctx, HeadersFromMap(stamped)),
		Time:    now,
	}
}
