// Package retry provides the single retry policy applied by every worker
// making an external call. Policies decide max attempts, backoff shape, and
// which error classes are retryable; the classes come from taskerr.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/taskerr"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to taskerr.Retryable.
	Retryable func(error) bool
	// Jitter returns a random factor in [0,1). Injectable for tests.
	Jitter func() float64
	// Sleep is the wait primitive. Injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the limits used for fragile external APIs:
// three attempts, 500ms initial backoff doubling to a 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = taskerr.Retryable
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Do runs op under the policy. It returns the first permanent error
// immediately and the last error once attempts are exhausted.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()

	backoff := p.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !p.Retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		// Full jitter: wait a random fraction of the current backoff window.
		wait := time.Duration(p.Jitter() * float64(backoff))
		if logger != nil {
			logger.Warn("Retrying after transient failure",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return serr
		}
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
