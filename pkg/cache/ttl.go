// Package cache provides a generic, thread-safe TTL cache with background
// cleanup. The gateway's fast store keeps short-lived device snapshots and
// history rings in TTL caches keyed by device id.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrimesh/fieldgate/errors"
)

// EvictCallback is invoked when an entry is removed by expiry or delete.
type EvictCallback[V any] func(key string, value V)

// Statistics tracks cache activity with atomic counters.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// Hits returns the number of successful lookups.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of failed or expired lookups.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of writes.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Evictions returns the number of expired or deleted entries.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe time-to-live cache. Entries expire ttl after their
// last Set; a background goroutine sweeps expired entries between reads.
type TTL[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	evictFn         EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictCallback registers a callback for expired or deleted entries.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.evictFn = fn }
}

// NewTTL creates a TTL cache and starts its cleanup goroutine, which runs
// until ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("ttl must be positive, got %v", ttl),
			"cache", "NewTTL", "ttl validation")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	c := &TTL[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		stats:           &Statistics{},
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a value by key. Expired entries are treated as misses and
// removed on the spot.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.misses.Add(1)
		return zero, false
	}

	if entry.expired(time.Now()) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have renewed it.
		if current, still := c.items[key]; still && current.expired(time.Now()) {
			delete(c.items, key)
			c.stats.evictions.Add(1)
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
		}
		c.mu.Unlock()

		var zero V
		c.stats.misses.Add(1)
		return zero, false
	}

	c.stats.hits.Add(1)
	return entry.value, true
}

// Set stores a value, resetting its expiry to now+ttl.
func (c *TTL[V]) Set(key string, value V) {
	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()

	c.stats.sets.Add(1)
}

// Update atomically applies fn to the current value for key (or the zero
// value when absent) and stores the result. The fast store uses this to
// mutate a device's history ring without a read-modify-write race.
func (c *TTL[V]) Update(key string, fn func(current V, exists bool) V) {
	now := time.Now()

	c.mu.Lock()
	entry, exists := c.items[key]
	var current V
	if exists && !entry.expired(now) {
		current = entry.value
	} else {
		exists = false
	}
	c.items[key] = &ttlEntry[V]{value: fn(current, exists), expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	c.stats.sets.Add(1)
}

// Delete removes an entry by key, returning whether it existed.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
		if c.evictFn != nil {
			defer c.evictFn(key, entry.value)
		}
	}
	c.mu.Unlock()

	if exists {
		c.stats.evictions.Add(1)
	}
	return exists
}

// Size returns the number of entries, including not-yet-swept expired ones.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the cache statistics.
func (c *TTL[V]) Stats() *Statistics { return c.stats }

// Close stops the background cleanup goroutine.
func (c *TTL[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(
			fmt.Errorf("timeout waiting for cleanup goroutine"),
			"cache", "Close", "shutdown")
	}
}

func (c *TTL[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *TTL[V]) removeExpired() {
	now := time.Now()
	type evicted struct {
		key   string
		value V
	}
	var expired []evicted

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expired(now) {
			expired = append(expired, evicted{key, entry.value})
			delete(c.items, key)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.stats.evictions.Add(1)
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
	}
}
