// Package eventstore persists domain events append-only per aggregate, writes their
// outbox rows in the same transaction and reads them back at the current contract
// version.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/dangoth/posttrade-poc-sub000/libs/otel"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

const DefaultIdempotencyTTL = 24 * time.Hour

// OutboxWriter stages the outbox row for a serialized event inside tx.
type OutboxWriter interface {
	Write(ctx context.Context, tx storage.Tx, partitionKey string, e domain.Event, s serializer.Serialized) error
}

// IdempotencyCache fronts the idempotency table. Failures are logged and the table is
// consulted instead.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error)
	Put(ctx context.Context, rec storage.IdempotencyRecord) error
}

type Config struct {
	IdempotencyTTL time.Duration
}

type Store struct {
	repo       storage.EventRepository
	serializer *serializer.Serializer
	outbox     OutboxWriter
	cache      IdempotencyCache
	deadLetter *DeadLetterSink
	log        *slog.Logger
	tracer     trace.Tracer
	ttl        time.Duration
	now        func() time.Time
}

// New builds a Store. cache may be nil.
func New(repo storage.EventRepository, ser *serializer.Serializer, outbox OutboxWriter, cache IdempotencyCache, log *slog.Logger, cfg Config) *Store {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return &Store{
		repo:       repo,
		serializer: ser,
		outbox:     outbox,
		cache:      cache,
		deadLetter: NewDeadLetterSink(repo, log),
		log:        log,
		tracer:     otelx.Tracer(),
		ttl:        cfg.IdempotencyTTL,
		now:        time.Now,
	}
}

// AppendResult describes what an Append wrote. Replayed is set when SaveIdempotent
// answered from a stored idempotency record.
type AppendResult struct {
	AggregateID string   `json:"aggregateId"`
	Appended    []string `json:"appended"`
	Skipped     []string `json:"skipped,omitempty"`
	Version     int      `json:"version"`
	Replayed    bool     `json:"-"`
}

// Append writes events for one aggregate. Events already stored (by event id) are
// skipped; the rest must continue the aggregate at expectedVersion+1. Each event and its
// outbox row commit together or not at all.
func (s *Store) Append(ctx context.Context, aggregateID, partitionKey string, events []domain.Event, expectedVersion int) (AppendResult, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(
		attribute.String("aggregate.id", aggregateID),
		attribute.Int("events.count", len(events)),
	))
	defer span.End()

	var res AppendResult
	err := s.repo.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = s.appendTx(ctx, tx, aggregateID, partitionKey, events, expectedVersion)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return AppendResult{}, err
	}
	return res, nil
}

func (s *Store) appendTx(ctx context.Context, tx storage.Tx, aggregateID, partitionKey string, events []domain.Event, expectedVersion int) (AppendResult, error) {
	res := AppendResult{AggregateID: aggregateID, Version: expectedVersion}
	if len(events) == 0 {
		return res, nil
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		h := e.Header()
		if h.AggregateID != aggregateID {
			return res, fmt.Errorf("%w: event %s is for %s, not %s", ErrAggregateMismatch, h.EventID, h.AggregateID, aggregateID)
		}
		ids = append(ids, h.EventID)
	}
	if partitionKey == "" {
		partitionKey = events[0].Header().PartitionKey()
	}

	existing, err := tx.ExistingEventIDs(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("check existing events: %w", err)
	}
	fresh := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if existing[e.Header().EventID] {
			res.Skipped = append(res.Skipped, e.Header().EventID)
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		current, err := tx.CurrentVersion(ctx, aggregateID)
		if err != nil {
			return res, fmt.Errorf("read current version: %w", err)
		}
		res.Version = current
		return res, nil
	}

	current, err := tx.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return res, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return res, &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}
	for i, e := range fresh {
		if want := expectedVersion + i + 1; e.Header().AggregateVersion != want {
			return res, fmt.Errorf("%w: event %s has version %d, want %d", ErrVersionSequence, e.Header().EventID, e.Header().AggregateVersion, want)
		}
	}

	createdAt := s.now().UTC()
	for _, e := range fresh {
		h := e.Header()
		ser, err := s.serializer.Serialize(e, 0)
		if err != nil {
			return res, fmt.Errorf("serialize event %s: %w", h.EventID, err)
		}
		err = tx.InsertEvent(ctx, storage.EventRecord{
			EventID:          h.EventID,
			AggregateID:      aggregateID,
			AggregateType:    h.AggregateType,
			PartitionKey:     partitionKey,
			AggregateVersion: h.AggregateVersion,
			EventType:        ser.EventType,
			Data:             ser.Data,
			Metadata:         ser.Metadata,
			OccurredAt:       h.OccurredAt,
			CreatedAt:        createdAt,
			CorrelationID:    h.CorrelationID,
			CausedBy:         h.CausedBy,
		})
		// A concurrent writer committed this version or this event id after the checks
		// above. A retry sees the committed state.
		if errors.Is(err, storage.ErrDuplicateVersion) || errors.Is(err, storage.ErrDuplicateEvent) {
			return res, &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: h.AggregateVersion}
		}
		if err != nil {
			return res, fmt.Errorf("insert event %s: %w", h.EventID, err)
		}
		if err := s.outbox.Write(ctx, tx, partitionKey, e, ser); err != nil {
			return res, fmt.Errorf("write outbox for event %s: %w", h.EventID, err)
		}
		res.Appended = append(res.Appended, h.EventID)
		res.Version = h.AggregateVersion
	}
	return res, nil
}

// CheckIdempotency reports whether key was already used for the same request and has
// not expired.
func (s *Store) CheckIdempotency(ctx context.Context, key, requestHash string) (bool, error) {
	_, ok, err := s.lookupIdempotency(ctx, key, requestHash)
	return ok, err
}

func (s *Store) lookupIdempotency(ctx context.Context, key, requestHash string) (storage.IdempotencyRecord, bool, error) {
	now := s.now()
	if s.cache != nil {
		rec, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.log.Warn("idempotency cache read failed", "idempotency_key", key, "err", err)
		case ok && rec.RequestHash == requestHash && rec.ExpiresAt.After(now):
			return rec, true, nil
		}
	}

	rec, ok, err := s.repo.GetIdempotency(ctx, key)
	if err != nil {
		return storage.IdempotencyRecord{}, false, fmt.Errorf("read idempotency key: %w", err)
	}
	if !ok || rec.RequestHash != requestHash || !rec.ExpiresAt.After(now) {
		return storage.IdempotencyRecord{}, false, nil
	}
	s.remember(ctx, rec)
	return rec, true, nil
}

// SaveIdempotent appends events and records the idempotency key in the same
// transaction. A repeated request with the same key and hash returns the stored result
// without writing.
func (s *Store) SaveIdempotent(ctx context.Context, aggregateID, partitionKey string, events []domain.Event, expectedVersion int, key, requestHash string) (AppendResult, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.SaveIdempotent", trace.WithAttributes(
		attribute.String("aggregate.id", aggregateID),
		attribute.String("idempotency.key", key),
	))
	defer span.End()

	if rec, ok, err := s.lookupIdempotency(ctx, key, requestHash); err != nil {
		return AppendResult{}, err
	} else if ok {
		var res AppendResult
		if len(rec.ResponseData) > 0 {
			if err := json.Unmarshal(rec.ResponseData, &res); err != nil {
				return AppendResult{}, fmt.Errorf("decode stored response for %s: %w", key, err)
			}
		}
		res.Replayed = true
		return res, nil
	}

	var (
		res AppendResult
		idr storage.IdempotencyRecord
	)
	err := s.repo.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = s.appendTx(ctx, tx, aggregateID, partitionKey, events, expectedVersion)
		if err != nil {
			return err
		}
		resp, err := json.Marshal(res)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		idr = storage.IdempotencyRecord{
			Key:          key,
			AggregateID:  aggregateID,
			RequestHash:  requestHash,
			ResponseData: resp,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.ttl),
		}
		if err := tx.InsertIdempotency(ctx, idr); err != nil {
			if errors.Is(err, storage.ErrIdempotencyKeyInUse) {
				return fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, key)
			}
			return fmt.Errorf("insert idempotency key: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save idempotent failed")
		return AppendResult{}, err
	}
	s.remember(ctx, idr)
	return res, nil
}

func (s *Store) remember(ctx context.Context, rec storage.IdempotencyRecord) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, rec); err != nil {
		s.log.Warn("idempotency cache write failed", "idempotency_key", rec.Key, "err", err)
	}
}

// PurgeExpiredIdempotency deletes idempotency rows past their expiry.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpiredIdempotency(ctx, s.now().UTC())
}

// MarkEventProcessed sets the processed flag on the event row once its outbox row has
// been published.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.repo.MarkEventProcessed(ctx, eventID, s.now().UTC())
}

// ReadDeadLetters lists stored events the read path could not deserialize.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]storage.ReadDeadLetter, error) {
	return s.deadLetter.List(ctx, limit)
}
