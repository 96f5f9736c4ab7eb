package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// cacheSweepEveryNCycles spaces cache expiry sweeps out so they do not
// run on every autosave cycle.
const cacheSweepEveryNCycles = 5

// autosaver periodically saves every active entity. The sweep interval
// adapts to load: past the high-load threshold the cycle tightens so a
// crash costs at most one short interval of progress, and the sweep
// switches to the bulk write path once enough entities are active to
// amortize one backend round trip.
type autosaver struct {
	interval          time.Duration
	highLoadThreshold int
	highLoadInterval  time.Duration
	bulkThreshold     int

	activeCount func() int
	sweepAll    func(ctx context.Context, bulk bool) (saved int, err error)
	sweepCache  func() int

	logger *zap.Logger
	metric *metrics

	cycles atomic.Int64
	stop   chan struct{}
	done   chan struct{}
}

func newAutosaver(
	interval time.Duration,
	highLoadThreshold int,
	highLoadInterval time.Duration,
	bulkThreshold int,
	activeCount func() int,
	sweepAll func(ctx context.Context, bulk bool) (int, error),
	sweepCache func() int,
	logger *zap.Logger,
	m *metrics,
) *autosaver {
	return &autosaver{
		interval:          interval,
		highLoadThreshold: highLoadThreshold,
		highLoadInterval:  highLoadInterval,
		bulkThreshold:     bulkThreshold,
		activeCount:       activeCount,
		sweepAll:          sweepAll,
		sweepCache:        sweepCache,
		logger:            logger.With(zap.String("component", "autosaver")),
		metric:            m,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

func (a *autosaver) start() {
	go func() {
		defer close(a.done)
		timer := time.NewTimer(a.nextInterval())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				a.runCycle()
				timer.Reset(a.nextInterval())
			case <-a.stop:
				return
			}
		}
	}()
}

func (a *autosaver) close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}

// nextInterval picks the sweep period for the coming cycle based on the
// current active entity count.
func (a *autosaver) nextInterval() time.Duration {
	if a.highLoadThreshold > 0 && a.activeCount() >= a.highLoadThreshold {
		return a.highLoadInterval
	}
	return a.interval
}

func (a *autosaver) runCycle() {
	cycle := a.cycles.Add(1)
	n := a.activeCount()
	if n == 0 {
		a.maybeSweepCache(cycle)
		return
	}

	bulk := n >= a.bulkThreshold
	start := time.Now()
	saved, err := a.sweepAll(context.Background(), bulk)
	if err != nil {
		a.logger.Error("autosave sweep failed",
			zap.Int("entities", n),
			zap.Bool("bulk", bulk),
			zap.Error(err))
	} else {
		a.metric.autosaveSweeps.Inc()
		a.logger.Info("autosave sweep completed",
			zap.Int("entities", n),
			zap.Int("saved", saved),
			zap.Bool("bulk", bulk),
			zap.Duration("elapsed", time.Since(start)))
	}

	a.maybeSweepCache(cycle)
}

func (a *autosaver) maybeSweepCache(cycle int64) {
	if cycle%cacheSweepEveryNCycles != 0 {
		return
	}
	if removed := a.sweepCache(); removed > 0 {
		a.logger.Debug("cache expiry sweep", zap.Int("removed", removed))
	}
}
