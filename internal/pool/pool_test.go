package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New("test", Config{Workers: 4, QueueSize: 16}, zap.NewNop())
	defer p.Close(context.Background())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), count.Load())
}

func TestDoReturnsTaskError(t *testing.T) {
	p := New("test", Config{Workers: 1, QueueSize: 4}, zap.NewNop())
	defer p.Close(context.Background())

	want := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context) error { return want })
	assert.ErrorIs(t, err, want)

	err = p.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestSaturatedPoolRunsInline(t *testing.T) {
	p := New("test", Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	defer p.Close(context.Background())

	// Occupy the single worker, then fill the queue.
	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started
	p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})

	// The next submission must complete on the caller before Submit returns.
	var ranInline atomic.Bool
	p.Submit(context.Background(), func(ctx context.Context) error {
		ranInline.Store(true)
		return nil
	})
	assert.True(t, ranInline.Load())
	assert.GreaterOrEqual(t, p.Stats().Inline, int64(1))

	close(block)
}

func TestClosedPoolRunsInline(t *testing.T) {
	p := New("test", Config{Workers: 2, QueueSize: 4}, zap.NewNop())
	require.NoError(t, p.Close(context.Background()))

	var ran atomic.Bool
	p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.True(t, ran.Load())

	err := p.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestPanicRecovered(t *testing.T) {
	p := New("test", Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	defer p.Close(context.Background())

	err := p.Do(context.Background(), func(ctx context.Context) error {
		panic("oops")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestSubmitRacingCloseNeverPanics(t *testing.T) {
	// Hammer concurrent submitters against Close over many short-lived
	// pools. A send racing the channel close panics the process, so a
	// clean run is the assertion.
	for i := 0; i < 300; i++ {
		p := New("test", Config{Workers: 2, QueueSize: 2}, zap.NewNop())

		start := make(chan struct{})
		var wg sync.WaitGroup
		for s := 0; s < 8; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 10; j++ {
					p.Submit(context.Background(), func(ctx context.Context) error { return nil })
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = p.Close(context.Background())
		}()

		close(start)
		wg.Wait()
		require.NoError(t, p.Close(context.Background()))

		// Every submission either ran on a worker or inline.
		st := p.Stats()
		assert.Equal(t, st.Submitted, st.Completed+st.Failed)
	}
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	p := New("test", Config{Workers: 2, QueueSize: 32}, zap.NewNop())

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return nil
		})
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(20), count.Load())
}

func TestWaitSettled(t *testing.T) {
	p := New("test", Config{Workers: 2, QueueSize: 8}, zap.NewNop())
	defer p.Close(context.Background())

	for i := 0; i < 10; i++ {
		p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitSettled(ctx, time.Millisecond))
	assert.Equal(t, 0, p.Stats().Queued)
}
