package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (c *countingPurger) PurgeExpiredIdempotency(context.Context) (int64, error) {
	c.calls.Add(1)
	return 2, c.err
}

func TestRunPurgesUntilCancelled(t *testing.T) {
	purger := &countingPurger{}
	p := NewPurgeScheduler(purger, slog.New(slog.NewTextHandler(io.Discard, nil)), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return purger.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}

func TestPurgeOnceSkipsAfterCancel(t *testing.T) {
	purger := &countingPurger{err: errors.New("db down")}
	p := NewPurgeScheduler(purger, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)

	p.PurgeOnce(context.Background())
	require.EqualValues(t, 1, purger.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.PurgeOnce(ctx)
	require.EqualValues(t, 1, purger.calls.Load())
}
