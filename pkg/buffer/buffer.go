// Package buffer provides a generic, thread-safe bounded ring buffer.
//
// The gateway uses one Ring per device to hold raw readings between
// flushes. Overflow evicts the oldest entry silently; telemetry is
// loss-tolerant and a full buffer is never an error. Statistics are
// always collected for observability.
package buffer

import (
	"sync"
	"sync/atomic"
)

// OverflowPolicy defines behavior when a full ring receives a write.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item when the ring is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// Statistics tracks ring activity with atomic counters.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	overflows atomic.Int64
}

// Writes returns the total number of successful writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of items read or drained.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the total number of items dropped by overflow.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Overflows returns the number of writes that hit a full ring.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// DropCallback is invoked with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity circular buffer.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	stats    *Statistics
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow policy (default DropOldest).
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback registers a callback invoked for each dropped item.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// NewRing creates a ring with the given capacity. Capacity below 1 is
// clamped to 1.
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   DropOldest,
		stats:    &Statistics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write adds an item, applying the overflow policy on a full ring.
// Returns the resulting size.
func (r *Ring[T]) Write(item T) int {
	var dropped *T

	r.mu.Lock()
	if r.size == r.capacity {
		r.stats.overflows.Add(1)
		r.stats.drops.Add(1)
		switch r.policy {
		case DropOldest:
			old := r.items[r.tail]
			dropped = &old
			r.tail = (r.tail + 1) % r.capacity
			r.size--
		case DropNewest:
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return r.capacity
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	size := r.size
	r.stats.writes.Add(1)
	r.mu.Unlock()

	if dropped != nil && r.onDrop != nil {
		r.onDrop(*dropped)
	}
	return size
}

// Drain removes and returns all items in insertion order, leaving the
// ring empty.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	out := make([]T, r.size)
	var zero T
	for i := 0; i < len(out); i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero // release for GC
		r.tail = (r.tail + 1) % r.capacity
	}
	r.stats.reads.Add(int64(len(out)))
	r.size = 0
	r.head = 0
	r.tail = 0
	return out
}

// Snapshot returns a copy of the buffered items in insertion order
// without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the fixed capacity of the ring.
func (r *Ring[T]) Capacity() int { return r.capacity }

// IsEmpty reports whether the ring holds no items.
func (r *Ring[T]) IsEmpty() bool { return r.Size() == 0 }

// IsFull reports whether the ring is at capacity.
func (r *Ring[T]) IsFull() bool { return r.Size() == r.capacity }

// Stats returns the ring's statistics.
func (r *Ring[T]) Stats() *Statistics { return r.stats }
