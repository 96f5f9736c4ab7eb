// Package pool provides the bounded worker pools behind the persistence
// and serialization pipelines.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errTaskPanicked = errors.New("task panicked")

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context) error

// Config sizes a worker pool.
type Config struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig returns sizing suited to many short persistence tasks.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 256}
}

// Pool runs tasks on a fixed set of workers over a bounded queue.
//
// Saturation never drops work: when the queue is full, or the pool is
// already closed, the submitting goroutine runs the task itself. Losing
// a pending write is worse than briefly blocking the caller.
type Pool struct {
	name   string
	tasks  chan submission
	logger *zap.Logger
	closed atomic.Bool
	wg     sync.WaitGroup

	// mu orders queue sends against the channel close: senders hold the
	// read side while they re-check closed and send, Close holds the
	// write side while it closes the channel.
	mu sync.RWMutex

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	inline    atomic.Int64
}

type submission struct {
	task Task
	ctx  context.Context
	done chan error
}

// New starts a pool of cfg.Workers workers. The name tags log entries
// and stats so the persistence and serialization pools stay apart.
func New(name string, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:   name,
		tasks:  make(chan submission, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool"), zap.String("pool", name)),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit hands the task to a worker. When the queue is saturated or the
// pool is closed, the task runs inline on the calling goroutine before
// Submit returns.
func (p *Pool) Submit(ctx context.Context, task Task) {
	p.submitted.Add(1)

	if !p.trySend(submission{task: task, ctx: ctx}) {
		p.runInline(ctx, task)
	}
}

// Do submits the task and waits for its result. Used for serialization
// work where the caller needs the outcome before proceeding.
func (p *Pool) Do(ctx context.Context, task Task) error {
	p.submitted.Add(1)

	done := make(chan error, 1)
	if !p.trySend(submission{task: task, ctx: ctx, done: done}) {
		return p.runInline(ctx, task)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend enqueues the submission unless the pool is closed or the
// queue is full. Holding the read lock across the closed check and the
// send keeps both ordered before Close's channel close, so a send can
// never hit a closed channel.
func (p *Pool) trySend(sub submission) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- sub:
		return true
	default:
		return false
	}
}

// Close stops accepting queued work and waits for in-flight tasks, up
// to the context deadline. Tasks submitted after Close run inline.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	close(p.tasks)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("pool drained",
			zap.Int64("completed", p.completed.Load()),
			zap.Int64("failed", p.failed.Load()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool drain cut short",
			zap.Int("queued", len(p.tasks)),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		p.active.Add(1)
		err := p.execute(sub.ctx, sub.task)
		p.active.Add(-1)

		if sub.done != nil {
			sub.done <- err
			close(sub.done)
		}
		p.account(err)
	}
}

func (p *Pool) runInline(ctx context.Context, task Task) error {
	p.inline.Add(1)
	err := p.execute(ctx, task)
	p.account(err)
	return err
}

func (p *Pool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panic recovered", zap.Any("panic", r))
			err = errTaskPanicked
		}
	}()
	return task(ctx)
}

func (p *Pool) account(err error) {
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Inline    int64  `json:"inline"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Inline:    p.inline.Load(),
	}
}

// WaitSettled blocks until no tasks are queued or running, polling at
// the given interval. Test helper for asynchronous submissions.
func (p *Pool) WaitSettled(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if len(p.tasks) == 0 && p.active.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
