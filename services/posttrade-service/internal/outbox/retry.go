package outbox

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures in-line publish retries. The delay before retry n (0-based) is
// min(BaseDelay * 2^n * (1 + jitter), MaxDelay) with jitter in [0, 0.1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Second}
}

type RetryCoordinator struct {
	policy RetryPolicy
	jitter func() float64
}

func NewRetryCoordinator(p RetryPolicy) *RetryCoordinator {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return &RetryCoordinator{policy: p, jitter: func() float64 { return rand.Float64() * 0.1 }}
}

// Delay returns the wait before retry attempt n.
func (rc *RetryCoordinator) Delay(attempt int) time.Duration {
	d := float64(rc.policy.BaseDelay) * math.Pow(2, float64(attempt)) * (1 + rc.jitter())
	if d >= float64(rc.policy.MaxDelay) {
		return rc.policy.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds or MaxAttempts is reached and returns the number of
// attempts made with the last error. Cancellation of ctx stops the schedule and
// returns the context's cause.
func (rc *RetryCoordinator) Do(ctx context.Context, op func(context.Context) error, notify func(attempt int, err error, next time.Duration)) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(&schedule{rc: rc}),
		backoff.WithMaxTries(uint(rc.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempts, err, next)
			}
		}),
	)
	return attempts, err
}

// schedule adapts the policy to backoff.BackOff.
type schedule struct {
	rc      *RetryCoordinator
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	d := s.rc.Delay(s.attempt)
	s.attempt++
	return d
}

func (s *schedule) Reset() { s.attempt = 0 }
