// Package worker provides a generic worker pool for concurrent task
// processing. The gateway runs downstream forwarding (alert and analytics
// pushes) on a pool so the ingestion path never blocks on a slow
// collaborator: when the queue is full, work is dropped and counted.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by pool lifecycle operations.
var (
	ErrNilProcessor   = errors.New("worker: processor must not be nil")
	ErrAlreadyStarted = errors.New("worker: pool already started")
	ErrNotStarted     = errors.New("worker: pool not started")
	ErrStopped        = errors.New("worker: pool stopped")
	ErrQueueFull      = errors.New("worker: queue full")
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a worker pool. Workers and queueSize fall back to
// defaults when non-positive. Panics on a nil processor, matching the
// construction-time contract.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	return &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
}

// Start launches the worker goroutines. Idempotent errors on restart.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.stopped {
		return ErrStopped
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}

	return nil
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.processor(ctx, item); err != nil {
				p.failed.Add(1)
			} else {
				p.processed.Add(1)
			}
		}
	}
}

// TrySubmit queues an item without blocking. Returns ErrQueueFull when the
// queue has no room; the caller decides whether dropping matters. The
// lock is held across the send so Stop cannot close the channel between
// the stopped check and the send.
func (p *Pool[T]) TrySubmit(item T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.workChan <- item:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for workers to finish, up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	case <-time.After(timeout):
		if p.cancel != nil {
			p.cancel()
		}
		return errors.New("worker: stop timeout waiting for workers")
	}
}

// Stats reports pool activity counters.
func (p *Pool[T]) Stats() (submitted, processed, failed, dropped int64) {
	return p.submitted.Load(), p.processed.Load(), p.failed.Load(), p.dropped.Load()
}

// QueueDepth returns the number of queued, unprocessed items.
func (p *Pool[T]) QueueDepth() int {
	return len(p.workChan)
}
