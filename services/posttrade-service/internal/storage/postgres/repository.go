// Package postgres is the pgx storage driver.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dangoth/posttrade-poc-sub000/libs/db"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

//go:embed schema.sql
var Schema string

const (
	constraintAggregateVersion = "event_store_aggregate_version_key"
	constraintEventID          = "event_store_pkey"
)

type Repository struct {
	pool *db.Pool
}

var _ storage.Repository = (*Repository)(nil)

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// ApplySchema creates the tables when they do not exist.
func (r *Repository) ApplySchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var v int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0)
		FROM event_store
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&v)
	return v, err
}

func (t pgTx) ExistingEventIDs(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT event_id FROM event_store WHERE event_id = ANY($1)
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (t pgTx) InsertEvent(ctx context.Context, rec storage.EventRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_store (event_id, aggregate_id, aggregate_type, partition_key, aggregate_version, event_type,
		                         event_data, metadata, occurred_at, created_at, correlation_id, caused_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.EventID, rec.AggregateID, rec.AggregateType, rec.PartitionKey, rec.AggregateVersion, rec.EventType,
		string(rec.Data), string(rec.Metadata), rec.OccurredAt, rec.CreatedAt, rec.CorrelationID, rec.CausedBy)
	switch {
	case db.IsUniqueViolation(err, constraintAggregateVersion):
		return fmt.Errorf("%w: %v", storage.ErrDuplicateVersion, err)
	case db.IsUniqueViolation(err, constraintEventID):
		return fmt.Errorf("%w: %v", storage.ErrDuplicateEvent, err)
	}
	return err
}

func (t pgTx) InsertOutbox(ctx context.Context, rec storage.OutboxRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_id, aggregate_type, event_type, event_data, metadata,
		                           topic, partition_key, traceparent, tracestate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.EventID, rec.AggregateID, rec.AggregateType, rec.EventType, string(rec.Data), string(rec.Metadata),
		rec.Topic, rec.PartitionKey, rec.Traceparent, rec.Tracestate, rec.CreatedAt)
	return err
}

func (t pgTx) InsertIdempotency(ctx context.Context, rec storage.IdempotencyRecord) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, aggregate_id, request_hash, response_data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET aggregate_id = EXCLUDED.aggregate_id,
		    request_hash = EXCLUDED.request_hash,
		    response_data = EXCLUDED.response_data,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`, rec.Key, rec.AggregateID, rec.RequestHash, string(rec.ResponseData), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrIdempotencyKeyInUse
	}
	return nil
}

const eventColumns = `event_id, aggregate_id, aggregate_type, partition_key, aggregate_version, event_type,
	event_data, metadata, occurred_at, created_at, correlation_id, caused_by, is_processed, processed_at`

func scanEvents(rows pgx.Rows) ([]storage.EventRecord, error) {
	defer rows.Close()
	var out []storage.EventRecord
	for rows.Next() {
		var rec storage.EventRecord
		var data, meta string
		if err := rows.Scan(&rec.EventID, &rec.AggregateID, &rec.AggregateType, &rec.PartitionKey, &rec.AggregateVersion,
			&rec.EventType, &data, &meta, &rec.OccurredAt, &rec.CreatedAt, &rec.CorrelationID, &rec.CausedBy,
			&rec.IsProcessed, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		rec.Data, rec.Metadata = []byte(data), []byte(meta)
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]storage.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_store
		WHERE aggregate_id = $1 AND aggregate_version > $2
		ORDER BY aggregate_version
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *Repository) LoadPartition(ctx context.Context, partitionKey string, after time.Time, limit int) ([]storage.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_store
		WHERE partition_key = $1 AND created_at > $2
		ORDER BY created_at, aggregate_version
		LIMIT $3
	`, partitionKey, after, storage.Limit(limit))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *Repository) GetIdempotency(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	var rec storage.IdempotencyRecord
	var resp string
	err := r.pool.QueryRow(ctx, `
		SELECT idempotency_key, aggregate_id, request_hash, response_data, created_at, expires_at
		FROM idempotency_keys
		WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.AggregateID, &rec.RequestHash, &resp, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.IdempotencyRecord{}, false, nil
		}
		return storage.IdempotencyRecord{}, false, err
	}
	rec.ResponseData = []byte(resp)
	return rec, true, nil
}

func (r *Repository) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE event_store
		SET is_processed = TRUE, processed_at = $2
		WHERE event_id = $1
	`, eventID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Repository) InsertReadDeadLetter(ctx context.Context, rec storage.ReadDeadLetter) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO read_dead_letters (event_id, aggregate_id, aggregate_version, event_type, reason, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, rec.EventID, rec.AggregateID, rec.AggregateVersion, rec.EventType, rec.Reason, rec.ErrorMessage, string(rec.Metadata), rec.CreatedAt)
	return err
}

func (r *Repository) ListReadDeadLetters(ctx context.Context, limit int) ([]storage.ReadDeadLetter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_version, event_type, reason, error_message, metadata, created_at
		FROM read_dead_letters
		ORDER BY created_at
		LIMIT $1
	`, storage.Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ReadDeadLetter
	for rows.Next() {
		var rec storage.ReadDeadLetter
		var meta string
		if err := rows.Scan(&rec.EventID, &rec.AggregateID, &rec.AggregateVersion, &rec.EventType, &rec.Reason,
			&rec.ErrorMessage, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Metadata = []byte(meta)
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
