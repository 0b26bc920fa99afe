package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dangoth/posttrade-poc-sub000/libs/kafkax"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage/memory"
)

var now = time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	key     string
	headers map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int // remaining failures; negative fails forever
	calls    []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{topic: topic, key: string(key), headers: headers})
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type markerFunc func(ctx context.Context, eventID string) error

func (f markerFunc) MarkEventProcessed(ctx context.Context, eventID string) error { return f(ctx, eventID) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	ctx := context.Background()
	w := NewWriter(TopicPerEventType("posttrade"))
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		for i := 1; i <= n; i++ {
			h, err := domain.NewHeader(domain.AggregateTypeTrade, "T-1", i, now, "", "")
			require.NoError(t, err)
			ev := domain.NewTradeSettledEvent(h, domain.TradeSettled{Currency: "USD"})
			ser := serializer.Serialized{
				EventType:     "TradeSettled",
				SchemaVersion: 1,
				Data:          []byte(`{}`),
				Metadata:      []byte(`{"SchemaVersion":"1"}`),
			}
			if err := w.Write(ctx, tx, h.PartitionKey(), ev, ser); err != nil {
				return err
			}
		}
		return nil
	}))
}

func newDispatcher(store *memory.Store, pub Publisher, marker EventMarker) *Dispatcher {
	d := NewDispatcher(store, pub, NewDeadLetterManager(store, discard()), marker, discard(), DispatcherConfig{
		BatchSize: 10,
		Retry:     RetryPolicy{MaxAttempts: 3},
	})
	d.now = func() time.Time { return now }
	return d
}

func TestTopicPerEventType(t *testing.T) {
	require.Equal(t, "posttrade.trade-status-changed", TopicPerEventType("posttrade.")("TradeStatusChanged"))
	require.Equal(t, "trade-created", TopicPerEventType("")("TradeCreated"))
}

func TestRetryDelayFormula(t *testing.T) {
	rc := NewRetryCoordinator(RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second})
	rc.jitter = func() float64 { return 0.05 }

	require.Equal(t, 105*time.Millisecond, rc.Delay(0))
	require.Equal(t, 420*time.Millisecond, rc.Delay(2))
	require.Equal(t, 30*time.Second, rc.Delay(20))
}

func TestRetryCoordinatorStopsAtMaxAttempts(t *testing.T) {
	rc := NewRetryCoordinator(RetryPolicy{MaxAttempts: 3, MaxDelay: time.Millisecond})
	var notified []int
	attempts, err := rc.Do(context.Background(), func(context.Context) error {
		return errors.New("nope")
	}, func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) })
	require.EqualError(t, err, "nope")
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, notified)

	calls := 0
	attempts, err = rc.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestProcessPendingPublishesAndMarks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 2)
	pub := &fakePublisher{}
	var marked []string
	d := newDispatcher(store, pub, markerFunc(func(_ context.Context, id string) error {
		marked = append(marked, id)
		return nil
	}))

	res, err := d.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, BatchResult{Fetched: 2, Published: 2}, res)
	require.Len(t, marked, 2)

	require.Equal(t, "posttrade.trade-settled", pub.calls[0].topic)
	require.Equal(t, "Trade:T-1", pub.calls[0].key)
	require.Equal(t, "1", pub.calls[0].headers[kafkax.HeaderSchemaVersion])
	require.Equal(t, marked[0], pub.calls[0].headers[kafkax.HeaderEventID])

	pending, err := d.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestProcessPendingZeroBatchUsesDefaultLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 3)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, nil)

	res, err := d.ProcessPending(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, BatchResult{Fetched: 3, Published: 3}, res)
}

func TestProcessPendingDeadLettersAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 1)
	pub := &fakePublisher{failures: -1}
	d := newDispatcher(store, pub, nil)

	res, err := d.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.DeadLettered)
	require.Equal(t, 3, pub.count())

	dead, err := d.GetDeadLetteredEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.True(t, strings.HasPrefix(dead[0].DeadLetterReason, "Failed after retry attempts with exponential backoff. Last error: broker unavailable"))
	require.Equal(t, 3, dead[0].RetryCount)
}

func TestRetrySweepExhaustsToDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 1)
	d := newDispatcher(store, &fakePublisher{failures: -1}, nil)

	for i := 1; i <= 2; i++ {
		res, err := d.RetrySweep(ctx, 0, 3)
		require.NoError(t, err)
		require.Equal(t, 1, res.Failed)
		require.Zero(t, res.DeadLettered)

		pending, err := d.GetUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, i, pending[0].RetryCount)
		require.NotNil(t, pending[0].LastRetryAt)
		require.Equal(t, "broker unavailable", pending[0].ErrorMessage)
	}

	res, err := d.RetrySweep(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 1, res.DeadLettered)

	pending, err := d.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	dead, err := d.GetDeadLetteredEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].DeadLetterReason, "max retry count")
	require.Equal(t, "Exceeded max retry count (3). Last error: broker unavailable", dead[0].DeadLetterReason)
}

func TestRetrySweepHonoursRetryDelay(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 1)
	pub := &fakePublisher{failures: -1}
	d := newDispatcher(store, pub, nil)

	_, err := d.RetrySweep(ctx, 5*time.Minute, 3)
	require.NoError(t, err)
	res, err := d.RetrySweep(ctx, 5*time.Minute, 3)
	require.NoError(t, err)
	require.Zero(t, res.Fetched)

	d.now = func() time.Time { return now.Add(6 * time.Minute) }
	res, err = d.RetrySweep(ctx, 5*time.Minute, 3)
	require.NoError(t, err)
	require.Equal(t, 1, res.Fetched)
}

func TestReprocessResetsAndRepublishes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, 2)
	pub := &fakePublisher{failures: -1}
	d := newDispatcher(store, pub, nil)
	dlq := NewDeadLetterManager(store, discard())

	_, err := d.ProcessPending(ctx, 10)
	require.NoError(t, err)
	n, err := dlq.CountDeadLettered(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	dead, err := dlq.ListDeadLettered(ctx, 10)
	require.NoError(t, err)
	id := dead[0].ID
	require.NoError(t, dlq.Reprocess(ctx, id))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, rec.IsDeadLettered)
	require.False(t, rec.IsProcessed)
	require.Zero(t, rec.RetryCount)
	require.Empty(t, rec.ErrorMessage)
	require.Empty(t, rec.DeadLetterReason)
	require.Nil(t, rec.LastRetryAt)

	require.ErrorIs(t, dlq.Reprocess(ctx, id), ErrNotDeadLettered)
	require.ErrorIs(t, dlq.Reprocess(ctx, 404), storage.ErrNotFound)

	pub.failures = 0
	res, err := d.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)
	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.IsProcessed)

	n, err = dlq.CountDeadLettered(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestProcessPendingStopsOnCancel(t *testing.T) {
	store := memory.New()
	seed(t, store, 3)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.ProcessPending(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pub.count())

	pending, err := d.GetUnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestRunPendingReturnsOnCancel(t *testing.T) {
	store := memory.New()
	seed(t, store, 1)
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, NewDeadLetterManager(store, discard()), nil, discard(), DispatcherConfig{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.RunPending(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunPending did not stop")
	}
}
