package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/store"
	"github.com/nuvalabs/playersync/types"
)

// coalescer buffers individual write ops and flushes them to the
// backend as one unordered bulk call, either when the buffer reaches
// the threshold or when the oldest op has waited maxWait.
//
// At most one flush runs at a time. Ops for the same entity queued in
// one window collapse to the latest snapshot. A batch whose bulk write
// fails is dropped and logged; retrying stale snapshots would race
// against newer ones already queued behind them.
type coalescer struct {
	st        store.Store
	threshold int
	maxWait   time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics

	mu      sync.Mutex
	pending []types.WriteOp

	flushing atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
}

func newCoalescer(st store.Store, threshold int, maxWait, timeout time.Duration, logger *zap.Logger, m *metrics) *coalescer {
	return &coalescer{
		st:        st,
		threshold: threshold,
		maxWait:   maxWait,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "write_coalescer")),
		metrics:   m,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// start launches the timer loop that flushes partial batches.
func (c *coalescer) start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.maxWait)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tryFlush()
			case <-c.stop:
				return
			}
		}
	}()
}

// enqueue queues one write op. Reaching the threshold kicks a flush on
// a separate goroutine; enqueue itself never blocks on the backend.
func (c *coalescer) enqueue(op types.WriteOp) {
	c.mu.Lock()
	c.pending = append(c.pending, op)
	depth := len(c.pending)
	c.mu.Unlock()

	if depth >= c.threshold {
		go c.tryFlush()
	}
}

// depth returns the current queue depth.
func (c *coalescer) depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// tryFlush performs one flush pass unless another is already running.
// Reports whether this call ran the pass.
func (c *coalescer) tryFlush() bool {
	if !c.flushing.CompareAndSwap(false, true) {
		return false
	}
	defer c.flushing.Store(false)
	c.flushOnce()
	return true
}

// flushOnce drains up to threshold ops, collapses duplicates to the
// latest snapshot and issues one bulk write. Caller holds the flushing
// flag.
func (c *coalescer) flushOnce() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	n := len(c.pending)
	if n > c.threshold {
		n = c.threshold
	}
	batch := c.pending[:n:n]
	c.pending = append([]types.WriteOp(nil), c.pending[n:]...)
	remaining := len(c.pending)
	c.mu.Unlock()

	// Latest op per entity wins.
	latest := make(map[types.EntityID]*types.Snapshot, len(batch))
	order := make([]types.EntityID, 0, len(batch))
	for _, op := range batch {
		if _, seen := latest[op.ID]; !seen {
			order = append(order, op.ID)
		}
		latest[op.ID] = op.Snapshot
	}
	snaps := make([]*types.Snapshot, 0, len(order))
	for _, id := range order {
		snaps = append(snaps, latest[id])
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.st.BulkUpsert(ctx, snaps); err != nil {
		c.metrics.batchDropped.Add(float64(len(snaps)))
		c.logger.Error("batch flush failed, batch dropped",
			zap.Int("snapshots", len(snaps)),
			zap.Error(err))
		return
	}

	c.metrics.batchFlushes.Inc()
	c.metrics.batchWrites.Add(float64(len(snaps)))
	c.logger.Debug("batch flushed",
		zap.Int("ops", len(batch)),
		zap.Int("snapshots", len(snaps)),
		zap.Int("remaining", remaining))

	if remaining >= c.threshold {
		go c.tryFlush()
	}
}

// close stops the timer loop and drains everything still pending.
func (c *coalescer) close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Drain. Each pass flushes up to threshold ops; loop until empty or
	// a pass makes no progress (flush failures drop their batch, so the
	// depth still shrinks).
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			return nil
		}
		if !c.tryFlush() {
			// Another goroutine holds the flush flag; yield briefly.
			time.Sleep(time.Millisecond)
		}
	}
}
