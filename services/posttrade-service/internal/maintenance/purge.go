// Package maintenance runs periodic housekeeping off the request path.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type IdempotencyPurger interface {
	PurgeExpiredIdempotency(ctx context.Context) (int64, error)
}

// PurgeScheduler deletes expired idempotency rows on a fixed interval.
type PurgeScheduler struct {
	purger IdempotencyPurger
	log    *slog.Logger
	every  time.Duration
}

func NewPurgeScheduler(purger IdempotencyPurger, log *slog.Logger, every time.Duration) *PurgeScheduler {
	if every <= 0 {
		every = time.Hour
	}
	return &PurgeScheduler{purger: purger, log: log, every: every}
}

// Run starts the scheduler, blocks until ctx is done and then waits for a running purge
// to finish.
func (p *PurgeScheduler) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(p.every),
		gocron.NewTask(func() { p.PurgeOnce(ctx) }),
		gocron.WithName("idempotency-purge"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	p.log.Info("idempotency purge scheduled", "interval", p.every.String())
	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (p *PurgeScheduler) PurgeOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := p.purger.PurgeExpiredIdempotency(ctx)
	if err != nil {
		p.log.Error("idempotency purge failed", "err", err)
		return
	}
	if n > 0 {
		p.log.Info("expired idempotency keys purged", "deleted", n)
	}
}
