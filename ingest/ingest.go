// Package ingest buffers raw readings per device and reduces full
// buffers into tumbling-window aggregates.
package ingest

import (
	"hash/fnv"
	"sync"

	"github.com/agrimesh/fieldgate/pkg/buffer"
	"github.com/agrimesh/fieldgate/telemetry"
)

const shardCount = 16

// Buffer holds one bounded ring of readings per device. Appends for
// different devices never contend; each device ring guards its own state.
type Buffer struct {
	threshold int
	capacity  int
	band      float64

	shards [shardCount]bufferShard
}

type bufferShard struct {
	mu    sync.RWMutex
	rings map[string]*buffer.Ring[telemetry.Reading]
}

// New creates a Buffer. threshold is the tumbling window size: Append
// reports true once a device has that many readings queued. capacity is
// the hard ceiling of each device ring; on overflow the oldest reading
// is silently evicted. band is the relative band around the first-half
// mean within which a trend counts as stable.
func New(threshold, capacity int, band float64) *Buffer {
	b := &Buffer{
		threshold: threshold,
		capacity:  capacity,
		band:      band,
	}
	for i := range b.shards {
		b.shards[i].rings = make(map[string]*buffer.Ring[telemetry.Reading])
	}
	return b
}

func (b *Buffer) shardFor(deviceID string) *bufferShard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &b.shards[h.Sum32()%shardCount]
}

func (b *Buffer) ring(deviceID string) *buffer.Ring[telemetry.Reading] {
	s := b.shardFor(deviceID)

	s.mu.RLock()
	r, ok := s.rings[deviceID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rings[deviceID]; ok {
		return r
	}
	r = buffer.NewRing[telemetry.Reading](b.capacity)
	s.rings[deviceID] = r
	return r
}

// Append queues a reading for its device and reports whether the flush
// threshold has been reached. Overflow past the ring capacity evicts the
// oldest reading and is never an error.
func (b *Buffer) Append(reading telemetry.Reading) bool {
	size := b.ring(reading.DeviceID).Write(reading)
	return size >= b.threshold
}

// Len returns the number of buffered readings for deviceID.
func (b *Buffer) Len(deviceID string) int {
	s := b.shardFor(deviceID)
	s.mu.RLock()
	r, ok := s.rings[deviceID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Size()
}

// Flush drains the device buffer and reduces it into one AggregateWindow.
// The buffer is empty immediately after, so no reading ever contributes
// to two windows. Returns ok=false when the buffer held nothing.
func (b *Buffer) Flush(deviceID string) (telemetry.AggregateWindow, bool) {
	s := b.shardFor(deviceID)
	s.mu.RLock()
	r, exists := s.rings[deviceID]
	s.mu.RUnlock()
	if !exists {
		return telemetry.AggregateWindow{}, false
	}

	readings := r.Drain()
	if len(readings) == 0 {
		return telemetry.AggregateWindow{}, false
	}

	return aggregate(deviceID, readings, b.band), true
}

// Evictions returns the total readings dropped by ring overflow across
// all devices.
func (b *Buffer) Evictions() int64 {
	var n int64
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for _, r := range s.rings {
			n += r.Stats().Drops()
		}
		s.mu.RUnlock()
	}
	return n
}

// FlushAll drains every non-empty device buffer, for shutdown.
func (b *Buffer) FlushAll() []telemetry.AggregateWindow {
	var out []telemetry.AggregateWindow
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		ids := make([]string, 0, len(s.rings))
		for id := range s.rings {
			ids = append(ids, id)
		}
		s.mu.RUnlock()

		for _, id := range ids {
			if w, ok := b.Flush(id); ok {
				out = append(out, w)
			}
		}
	}
	return out
}
