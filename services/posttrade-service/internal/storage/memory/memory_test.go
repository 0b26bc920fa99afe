package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

var t0 = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

func event(id, agg string, version int) storage.EventRecord {
	return storage.EventRecord{
		EventID: id, AggregateID: agg, AggregateType: "Trade", PartitionKey: "Trade:" + agg,
		AggregateVersion: version, EventType: "TradeCreated", CreatedAt: t0.Add(time.Duration(version) * time.Second),
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertEvent(ctx, event("e1", "A", 1)))
		require.NoError(t, tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e1"}))
		v, err := tx.CurrentVersion(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, 1, v)
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := s.LoadEvents(ctx, "A", 0)
	require.NoError(t, err)
	require.Empty(t, events)
	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestInsertEventUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEvent(ctx, event("e1", "A", 1))
	}))

	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertEvent(ctx, event("e2", "A", 1)) })
	require.ErrorIs(t, err, storage.ErrDuplicateVersion)
	err = s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertEvent(ctx, event("e1", "B", 1)) })
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertEvent(ctx, event("e3", "C", 1)))
		return tx.InsertEvent(ctx, event("e4", "C", 1))
	})
	require.ErrorIs(t, err, storage.ErrDuplicateVersion)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		ids, err := tx.ExistingEventIDs(ctx, []string{"e1", "e3", "e9"})
		require.NoError(t, err)
		require.Equal(t, map[string]bool{"e1": true}, ids)
		return nil
	}))
}

func TestLoadPartitionOrdersByCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		for _, ev := range []storage.EventRecord{event("e2", "A", 2), event("e1", "A", 1), event("e3", "A", 3)} {
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}))

	out, err := s.LoadPartition(ctx, "Trade:A", t0.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "e2", out[0].EventID)
	require.Equal(t, "e3", out[1].EventID)

	out, err = s.LoadEvents(ctx, "A", 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []int{2, 3}, []int{out[0].AggregateVersion, out[1].AggregateVersion})

	out, err = s.LoadEvents(ctx, "A", 3)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e1", CreatedAt: t0}))
		return tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e2", CreatedAt: t0})
	}))

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	id := pending[0].ID

	require.NoError(t, s.MarkFailed(ctx, id, 1, "broker down", t0))
	retry, err := s.FetchRetryable(ctx, 3, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.Equal(t, pending[1].ID, retry[0].ID)

	moved, err := s.MoveToDeadLetter(ctx, id, 3, "Exceeded max retry count (3)", t0)
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = s.MoveToDeadLetter(ctx, id, 3, "again", t0)
	require.NoError(t, err)
	require.False(t, moved)

	n, err := s.CountDeadLettered(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	reset, err := s.ResetDeadLettered(ctx, pending[1].ID)
	require.NoError(t, err)
	require.False(t, reset)
	reset, err = s.ResetDeadLettered(ctx, id)
	require.NoError(t, err)
	require.True(t, reset)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Zero(t, rec.RetryCount)
	require.Nil(t, rec.LastRetryAt)
	require.Empty(t, rec.ErrorMessage)
	require.False(t, rec.IsDeadLettered)

	_, err = s.Get(ctx, 99)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkFailedSkipsSettledRows(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e1", CreatedAt: t0}))
		return tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e2", CreatedAt: t0})
	}))
	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	dead, done := pending[0].ID, pending[1].ID

	moved, err := s.MoveToDeadLetter(ctx, dead, 3, "Failed after retry attempts", t0)
	require.NoError(t, err)
	require.True(t, moved)
	require.NoError(t, s.MarkProcessed(ctx, done, t0))

	require.NoError(t, s.MarkFailed(ctx, dead, 1, "broker down", t0.Add(time.Minute)))
	require.NoError(t, s.MarkFailed(ctx, done, 1, "broker down", t0.Add(time.Minute)))

	rec, err := s.Get(ctx, dead)
	require.NoError(t, err)
	require.Equal(t, 3, rec.RetryCount)
	require.Equal(t, "Failed after retry attempts", rec.ErrorMessage)
	require.Equal(t, "Failed after retry attempts", rec.DeadLetterReason)

	rec, err = s.Get(ctx, done)
	require.NoError(t, err)
	require.Zero(t, rec.RetryCount)
	require.Empty(t, rec.ErrorMessage)
}

func TestNonPositiveLimitUsesDefault(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		for i := 0; i < storage.DefaultLimit+5; i++ {
			if err := tx.InsertOutbox(ctx, storage.OutboxRecord{EventID: "e", CreatedAt: t0}); err != nil {
				return err
			}
		}
		return nil
	}))

	for _, limit := range []int{0, -1} {
		out, err := s.FetchPending(ctx, limit)
		require.NoError(t, err)
		require.Len(t, out, storage.DefaultLimit)
		out, err = s.FetchRetryable(ctx, 3, t0, limit)
		require.NoError(t, err)
		require.Len(t, out, storage.DefaultLimit)
	}
}

func TestIdempotencyKeyReuse(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := storage.IdempotencyRecord{Key: "k1", RequestHash: "h", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertIdempotency(ctx, rec) }))

	again := rec
	again.CreatedAt = t0.Add(time.Minute)
	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertIdempotency(ctx, again) })
	require.ErrorIs(t, err, storage.ErrIdempotencyKeyInUse)

	again.CreatedAt = t0.Add(2 * time.Hour)
	again.ExpiresAt = again.CreatedAt.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertIdempotency(ctx, again) }))

	n, err := s.PurgeExpiredIdempotency(ctx, t0.Add(4*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, ok, err := s.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}
