package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

// DeadLetterSink records stored events the read path could not deserialize. It is
// separate from the outbox dead letter queue.
type DeadLetterSink struct {
	repo storage.EventRepository
	log  *slog.Logger
	now  func() time.Time
}

func NewDeadLetterSink(repo storage.EventRepository, log *slog.Logger) *DeadLetterSink {
	return &DeadLetterSink{repo: repo, log: log, now: time.Now}
}

// Record stores row with a reason derived from cause. An error is returned only when
// the dead letter itself cannot be written.
func (d *DeadLetterSink) Record(ctx context.Context, row storage.EventRecord, cause error) (ReadFailure, error) {
	reason := Classify(cause)
	d.log.Error("stored event could not be read",
		"event_id", row.EventID,
		"aggregate_id", row.AggregateID,
		"aggregate_version", row.AggregateVersion,
		"event_type", row.EventType,
		"reason", reason,
		"err", cause,
	)
	err := d.repo.InsertReadDeadLetter(ctx, storage.ReadDeadLetter{
		EventID:          row.EventID,
		AggregateID:      row.AggregateID,
		AggregateVersion: row.AggregateVersion,
		EventType:        row.EventType,
		Reason:           reason,
		ErrorMessage:     cause.Error(),
		Metadata:         row.Metadata,
		CreatedAt:        d.now().UTC(),
	})
	if err != nil {
		return ReadFailure{}, fmt.Errorf("record read dead letter for %s: %w", row.EventID, err)
	}
	return ReadFailure{
		EventID:          row.EventID,
		AggregateVersion: row.AggregateVersion,
		EventType:        row.EventType,
		Reason:           reason,
		Err:              cause,
	}, nil
}

func (d *DeadLetterSink) List(ctx context.Context, limit int) ([]storage.ReadDeadLetter, error) {
	return d.repo.ListReadDeadLetters(ctx, limit)
}

// Classify maps a read error to a dead letter reason.
func Classify(err error) string {
	switch {
	case errors.Is(err, serializer.ErrMalformedMetadata):
		return storage.ReasonMalformedMetadata
	case errors.Is(err, serializer.ErrUnresolvableSchemaVersion):
		return storage.ReasonUnresolvableSchemaVersion
	default:
		return storage.ReasonDeserializationFailure
	}
}
