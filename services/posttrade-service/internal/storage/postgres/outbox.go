package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

const outboxColumns = `id, event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, topic, partition_key,
	traceparent, tracestate, created_at, is_processed, processed_at, retry_count, last_retry_at, error_message,
	is_dead_lettered, dead_lettered_at, dead_letter_reason`

func scanOutbox(row pgx.Row) (storage.OutboxRecord, error) {
	var rec storage.OutboxRecord
	var data, meta string
	err := row.Scan(&rec.ID, &rec.EventID, &rec.AggregateID, &rec.AggregateType, &rec.EventType, &data, &meta,
		&rec.Topic, &rec.PartitionKey, &rec.Traceparent, &rec.Tracestate, &rec.CreatedAt, &rec.IsProcessed,
		&rec.ProcessedAt, &rec.RetryCount, &rec.LastRetryAt, &rec.ErrorMessage, &rec.IsDeadLettered,
		&rec.DeadLetteredAt, &rec.DeadLetterReason)
	if err != nil {
		return storage.OutboxRecord{}, err
	}
	rec.Data, rec.Metadata = []byte(data), []byte(meta)
	return rec, nil
}

func (r *Repository) queryOutbox(ctx context.Context, sql string, args ...any) ([]storage.OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) FetchPending(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	return r.queryOutbox(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE NOT is_processed AND NOT is_dead_lettered
		ORDER BY id
		LIMIT $1
	`, storage.Limit(limit))
}

func (r *Repository) FetchRetryable(ctx context.Context, maxRetryCount int, retryBefore time.Time, limit int) ([]storage.OutboxRecord, error) {
	return r.queryOutbox(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE NOT is_processed AND NOT is_dead_lettered
		  AND retry_count < $1
		  AND (last_retry_at IS NULL OR last_retry_at <= $2)
		ORDER BY id
		LIMIT $3
	`, maxRetryCount, retryBefore, storage.Limit(limit))
}

func (r *Repository) FetchDeadLettered(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	return r.queryOutbox(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE is_dead_lettered
		ORDER BY id
		LIMIT $1
	`, storage.Limit(limit))
}

func (r *Repository) CountDeadLettered(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE is_dead_lettered`).Scan(&n)
	return n, err
}

func (r *Repository) Get(ctx context.Context, id int64) (storage.OutboxRecord, error) {
	rec, err := scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.OutboxRecord{}, storage.ErrNotFound
	}
	return rec, err
}

func (r *Repository) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET is_processed = TRUE, processed_at = $2, error_message = ''
		WHERE id = $1 AND NOT is_dead_lettered
	`, id, at)
	return err
}

// markFailedSQL leaves processed and dead-lettered rows untouched so a late retry
// cannot overwrite a dead letter reason.
const markFailedSQL = `
		UPDATE outbox_events
		SET retry_count = $2, error_message = $3, last_retry_at = $4
		WHERE id = $1 AND NOT is_processed AND NOT is_dead_lettered
	`

func (r *Repository) MarkFailed(ctx context.Context, id int64, retryCount int, errMsg string, at time.Time) error {
	_, err := r.pool.Exec(ctx, markFailedSQL, id, retryCount, errMsg, at)
	return err
}

func (r *Repository) MoveToDeadLetter(ctx context.Context, id int64, retryCount int, reason string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET is_dead_lettered = TRUE,
		    dead_lettered_at = $4,
		    dead_letter_reason = $3,
		    error_message = $3,
		    retry_count = $2,
		    last_retry_at = $4
		WHERE id = $1 AND NOT is_processed AND NOT is_dead_lettered
	`, id, retryCount, reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ResetDeadLettered(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET is_dead_lettered = FALSE,
		    dead_lettered_at = NULL,
		    dead_letter_reason = '',
		    is_processed = FALSE,
		    processed_at = NULL,
		    retry_count = 0,
		    last_retry_at = NULL,
		    error_message = ''
		WHERE id = $1 AND is_dead_lettered
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
