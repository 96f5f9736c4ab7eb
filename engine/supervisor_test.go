package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/retry"
	"github.com/nuvalabs/playersync/types"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
}

func newTestSupervisor(
	cooldown time.Duration,
	collect func() []*types.EntityState,
	persist func(ctx context.Context, state *types.EntityState) error,
) *supervisor {
	m := newMetrics(prometheus.NewRegistry())
	return newSupervisor(
		time.Millisecond, 50*time.Millisecond, cooldown, time.Second,
		fastRetry(), collect, persist, zap.NewNop(), m,
	)
}

func states(ids ...string) []*types.EntityState {
	out := make([]*types.EntityState, 0, len(ids))
	for _, id := range ids {
		out = append(out, &types.EntityState{ID: types.EntityID(id), Health: 20})
	}
	return out
}

func TestTriggerSavesEveryEntity(t *testing.T) {
	var persisted atomic.Int64
	s := newTestSupervisor(time.Hour,
		func() []*types.EntityState { return states("a", "b", "c") },
		func(ctx context.Context, state *types.EntityState) error {
			persisted.Add(1)
			return nil
		})

	s.Trigger("test")
	require.Eventually(t, func() bool { return persisted.Load() == 3 }, time.Second, time.Millisecond)
}

func TestCooldownSuppressesSecondTrigger(t *testing.T) {
	var sweeps atomic.Int64
	s := newTestSupervisor(time.Hour,
		func() []*types.EntityState { sweeps.Add(1); return nil },
		func(ctx context.Context, state *types.EntityState) error { return nil })

	s.Trigger("first")
	require.Eventually(t, func() bool { return sweeps.Load() == 1 }, time.Second, time.Millisecond)

	s.Trigger("second")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), sweeps.Load())
}

func TestTriggerAllowedAfterCooldown(t *testing.T) {
	var sweeps atomic.Int64
	s := newTestSupervisor(10*time.Millisecond,
		func() []*types.EntityState { sweeps.Add(1); return nil },
		func(ctx context.Context, state *types.EntityState) error { return nil })

	s.Trigger("first")
	require.Eventually(t, func() bool { return sweeps.Load() == 1 }, time.Second, time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	s.Trigger("second")
	require.Eventually(t, func() bool { return sweeps.Load() == 2 }, time.Second, time.Millisecond)
}

func TestOneFailingEntityDoesNotAbortSweep(t *testing.T) {
	var okSaves atomic.Int64
	var badTries atomic.Int64
	s := newTestSupervisor(time.Hour,
		func() []*types.EntityState { return states("good-1", "bad", "good-2") },
		func(ctx context.Context, state *types.EntityState) error {
			if state.ID == "bad" {
				badTries.Add(1)
				return types.NewError(types.ErrConnectivity, "down").WithRetryable(true)
			}
			okSaves.Add(1)
			return nil
		})

	s.Trigger("test")
	require.Eventually(t, func() bool { return okSaves.Load() == 2 }, time.Second, time.Millisecond)
	// The failing entity used all its attempts.
	require.Eventually(t, func() bool { return badTries.Load() == 3 }, time.Second, time.Millisecond)
}

func TestProbeDetectsStall(t *testing.T) {
	var persisted atomic.Int64
	s := newTestSupervisor(time.Hour,
		func() []*types.EntityState { return states("a") },
		func(ctx context.Context, state *types.EntityState) error {
			persisted.Add(1)
			return nil
		})

	// A tick that arrives far later than the previous stamp means the
	// process was wedged in between.
	s.lastTick.Store(time.Now().Add(-time.Second).UnixNano())
	s.probe()

	require.Eventually(t, func() bool { return persisted.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), s.Stalls())
}

func TestProbeIgnoresNormalLag(t *testing.T) {
	var sweeps atomic.Int64
	s := newTestSupervisor(time.Hour,
		func() []*types.EntityState { sweeps.Add(1); return nil },
		func(ctx context.Context, state *types.EntityState) error { return nil })

	s.lastTick.Store(time.Now().UnixNano())
	s.probe()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), s.Stalls())
	assert.Equal(t, int64(0), sweeps.Load())
}
