package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 16, func(_ context.Context, n int) error {
		processed.Add(int64(n))
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.TrySubmit(i))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(55), processed.Load())

	submitted, done, failed, dropped := pool.Stats()
	assert.Equal(t, int64(10), submitted)
	assert.Equal(t, int64(10), done)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(0), dropped)
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, fail bool) error {
		if fail {
			return errors.New("processor error")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.TrySubmit(true))
	require.NoError(t, pool.TrySubmit(false))
	require.NoError(t, pool.Stop(time.Second))

	_, processed, failed, _ := pool.Stats()
	assert.Equal(t, int64(1), processed)
	assert.Equal(t, int64(1), failed)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.TrySubmit(1))
	// The worker may not have picked up the first item yet; fill until full.
	var sawFull bool
	for i := 0; i < 3; i++ {
		if err := pool.TrySubmit(i); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "expected ErrQueueFull once queue saturated")

	_, _, _, dropped := pool.Stats()
	assert.GreaterOrEqual(t, dropped, int64(1))

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolLifecycleErrors(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })

	assert.ErrorIs(t, pool.TrySubmit(1), ErrNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.TrySubmit(1), ErrStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPoolSubmitDuringStopNeverPanics(t *testing.T) {
	pool := NewPool(2, 8, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))

	stop := make(chan struct{})
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Every outcome is legal here except a send on the
				// closed work channel, which would panic.
				if err := pool.TrySubmit(1); errors.Is(err, ErrStopped) {
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
	close(stop)
	for g := 0; g < 4; g++ {
		<-done
	}
}

func TestNewPoolPanicsOnNilProcessor(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}
