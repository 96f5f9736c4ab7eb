package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nuvalabs/playersync/retry"
	"github.com/nuvalabs/playersync/types"
)

// emergencyConcurrency bounds parallel backend writes during a sweep so
// an emergency save does not monopolize the connection pool while the
// process is already struggling.
const emergencyConcurrency = 4

// supervisor watches for process stalls and reacts with an emergency
// save of every active entity.
//
// Detection is self-referential: a ticker goroutine stamps the current
// time each probe interval, and when a tick observes that far more time
// passed since the previous stamp than the interval allows, the whole
// process (GC pause, CPU starvation, a wedged host loop) must have
// stalled. Snapshots in memory are then at risk of outliving the
// process, so everything active is pushed to the backend immediately.
type supervisor struct {
	probeInterval time.Duration
	lagThreshold  time.Duration
	cooldown      time.Duration
	retryPolicy   retry.Policy
	saveTimeout   time.Duration

	// collect lists the live states to protect; persist writes one
	// snapshot through the direct backend path.
	collect func() []*types.EntityState
	persist func(ctx context.Context, state *types.EntityState) error

	logger  *zap.Logger
	metrics *metrics

	lastTick      atomic.Int64
	lastEmergency atomic.Int64
	inFlight      atomic.Bool
	stalls        atomic.Int64

	stop chan struct{}
	done chan struct{}
}

func newSupervisor(
	probeInterval, lagThreshold, cooldown, saveTimeout time.Duration,
	policy retry.Policy,
	collect func() []*types.EntityState,
	persist func(ctx context.Context, state *types.EntityState) error,
	logger *zap.Logger,
	m *metrics,
) *supervisor {
	return &supervisor{
		probeInterval: probeInterval,
		lagThreshold:  lagThreshold,
		cooldown:      cooldown,
		retryPolicy:   policy,
		saveTimeout:   saveTimeout,
		collect:       collect,
		persist:       persist,
		logger:        logger.With(zap.String("component", "crash_supervisor")),
		metrics:       m,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *supervisor) start() {
	s.lastTick.Store(time.Now().UnixNano())
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.probe()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *supervisor) close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// probe stamps the clock and checks how late this tick arrived.
func (s *supervisor) probe() {
	now := time.Now()
	prev := time.Unix(0, s.lastTick.Swap(now.UnixNano()))
	lag := now.Sub(prev)

	if lag < s.lagThreshold {
		return
	}

	s.stalls.Add(1)
	s.logger.Warn("process stall detected",
		zap.Duration("lag", lag),
		zap.Duration("threshold", s.lagThreshold))
	s.Trigger("stall")
}

// Trigger runs an emergency save sweep unless one is already running or
// the cooldown has not elapsed. Safe to call from any goroutine; the
// sweep itself runs asynchronously.
func (s *supervisor) Trigger(reason string) {
	now := time.Now().UnixNano()
	last := s.lastEmergency.Load()
	if last != 0 && time.Duration(now-last) < s.cooldown {
		s.logger.Debug("emergency save suppressed by cooldown",
			zap.String("reason", reason))
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	s.lastEmergency.Store(now)

	go func() {
		defer s.inFlight.Store(false)
		s.sweep(reason)
	}()
}

// sweep persists every active entity, retrying each one independently.
// A single entity exhausting its retries never aborts the rest; it is
// logged as a data loss risk and the sweep moves on.
func (s *supervisor) sweep(reason string) {
	states := s.collect()
	s.metrics.emergencyRuns.Inc()
	s.logger.Warn("emergency save started",
		zap.String("reason", reason),
		zap.Int("entities", len(states)))

	start := time.Now()
	var failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(emergencyConcurrency)
	for _, state := range states {
		state := state
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
			defer cancel()

			err := retry.Do(ctx, s.retryPolicy, s.logger, func(ctx context.Context) error {
				return s.persist(ctx, state)
			})
			if err != nil {
				failed.Add(1)
				s.metrics.emergencyFailures.Inc()
				s.logger.Error("emergency save exhausted retries",
					zap.String("entity", string(state.ID)),
					zap.String("error_code", string(types.ErrDataLossRisk)),
					zap.Error(types.NewError(types.ErrDataLossRisk, "entity state may be lost").
						WithEntity(state.ID).WithCause(err)))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Warn("emergency save finished",
		zap.Int("entities", len(states)),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

// Stalls reports how many stalls the probe has observed.
func (s *supervisor) Stalls() int64 { return s.stalls.Load() }
