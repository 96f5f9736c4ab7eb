package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/types"
)

func retryable(msg string) error {
	return types.NewError(types.ErrConnectivity, msg).WithRetryable(true)
}

func TestSucceedsAfterFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Do(context.Background(), policy, zap.NewNop(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return retryable("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExhaustsAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	cause := retryable("down")
	err := Do(context.Background(), policy, zap.NewNop(), func(ctx context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, types.IsCode(err, types.ErrConnectivity))
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	terminal := types.NewError(types.ErrSerialization, "corrupt blob")
	err := Do(context.Background(), policy, zap.NewNop(), func(ctx context.Context) error {
		calls++
		return terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestPlainErrorsAreTerminal(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Do(context.Background(), policy, zap.NewNop(), func(ctx context.Context) error {
		calls++
		return errors.New("unclassified")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestContextCancelsWait(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, zap.NewNop(), func(ctx context.Context) error {
		calls++
		return retryable("down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayProgression(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}.normalized()

	assert.Equal(t, 100*time.Millisecond, p.delayFor(2))
	assert.Equal(t, 200*time.Millisecond, p.delayFor(3))
	assert.Equal(t, 400*time.Millisecond, p.delayFor(4))
	// Capped at MaxDelay.
	assert.Equal(t, time.Second, p.delayFor(10))
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	policy := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}
	_ = Do(context.Background(), policy, zap.NewNop(), func(ctx context.Context) error {
		return retryable("down")
	})
	assert.Equal(t, []int{2, 3}, attempts)
}
