// Package retry implements jittered exponential backoff for backend
// writes. The emergency save path leans on it to push snapshots out
// under degraded connectivity.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/types"
)

// Policy configures backoff behavior.
type Policy struct {
	// MaxAttempts counts the first try, so 3 means at most 2 retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads delays by up to ±25% so parallel retries do not
	// land on the backend in lockstep.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is invoked before each retry wait.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy suits short database writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Do runs fn until it succeeds, the attempts run out, the error is
// marked non-retryable, or the context is cancelled. Waits between
// attempts are context-aware.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func(ctx context.Context) error) error {
	p := policy.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.delayFor(attempt)
			logger.Debug("retrying after failure",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
	}

	logger.Warn("retry attempts exhausted",
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// delayFor computes the wait before the given attempt (attempt >= 2).
func (p Policy) delayFor(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}
