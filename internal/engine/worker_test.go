package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunAllCollectsErrorsByIndex(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	boom := errors.New("boom")
	errs := pool.RunAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
		func(context.Context) error { return nil },
	})

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak int64
	fns := make([]func(context.Context) error, 10)
	for i := range fns {
		fns[i] = func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}
	}
	pool.RunAll(context.Background(), fns)

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	errs := pool.RunAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { panic("handler exploded") },
	})
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "handler exploded")
	assert.Equal(t, int64(1), pool.Metrics().Panics)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	errs := pool.RunAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, errs[0], ErrPoolShutdown)
}

func TestWorkerPool_SubmitRespectsContextWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}
