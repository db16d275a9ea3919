// Package faststore is the hot read path for recent telemetry. It keeps,
// per device, a single latest-reading snapshot and a capped ring of the
// most recent raw readings, both in TTL caches. Nothing here is durable;
// expiry of an idle device's entries is expected behavior.
package faststore

import (
	"context"
	"time"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/pkg/cache"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Store caches recent readings for low-latency queries.
type Store struct {
	latest      *cache.TTL[telemetry.Reading]
	history     *cache.TTL[[]telemetry.Reading]
	historySize int
}

// Config holds the store tunables.
type Config struct {
	// HistorySize caps the per-device history ring.
	HistorySize int
	// LatestTTL bounds how long a snapshot outlives the last reading.
	LatestTTL time.Duration
	// HistoryTTL bounds how long the history ring outlives the last reading.
	HistoryTTL time.Duration
}

// New creates a Store. Cache cleanup goroutines run until ctx is
// cancelled or Close is called.
func New(ctx context.Context, cfg Config) (*Store, error) {
	latest, err := cache.NewTTL[telemetry.Reading](ctx, cfg.LatestTTL, cfg.LatestTTL)
	if err != nil {
		return nil, errors.Wrap(err, "faststore", "New", "create latest cache")
	}
	history, err := cache.NewTTL[[]telemetry.Reading](ctx, cfg.HistoryTTL, cfg.HistoryTTL)
	if err != nil {
		latest.Close()
		return nil, errors.Wrap(err, "faststore", "New", "create history cache")
	}
	return &Store{
		latest:      latest,
		history:     history,
		historySize: cfg.HistorySize,
	}, nil
}

// Record stores a reading as the device's latest snapshot and appends it
// to the history ring. The snapshot is overwritten on every reading
// regardless of buffer or flush state.
func (s *Store) Record(reading telemetry.Reading) {
	s.latest.Set(reading.DeviceID, reading)
	s.history.Update(reading.DeviceID, func(ring []telemetry.Reading, _ bool) []telemetry.Reading {
		ring = append(ring, reading)
		if len(ring) > s.historySize {
			ring = ring[len(ring)-s.historySize:]
		}
		return ring
	})
}

// Latest returns the device's most recent reading. Missing or expired
// entries fail with NotFound rather than an empty record.
func (s *Store) Latest(deviceID string) (telemetry.Reading, error) {
	reading, ok := s.latest.Get(deviceID)
	if !ok {
		return telemetry.Reading{}, errors.WrapNotFound(errors.ErrKeyNotFound,
			"faststore", "Latest", deviceID)
	}
	return reading, nil
}

// Filter narrows a history query. A zero Limit means no limit; zero
// times mean unbounded on that side.
type Filter struct {
	Limit int
	Since time.Time
	Until time.Time
}

// History returns the device's buffered readings, oldest first, after
// applying the filter. Limit keeps the most recent entries. Fails with
// NotFound when no history exists.
func (s *Store) History(deviceID string, filter Filter) ([]telemetry.Reading, error) {
	ring, ok := s.history.Get(deviceID)
	if !ok || len(ring) == 0 {
		return nil, errors.WrapNotFound(errors.ErrKeyNotFound,
			"faststore", "History", deviceID)
	}

	out := make([]telemetry.Reading, 0, len(ring))
	for _, r := range ring {
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.WrapNotFound(errors.ErrKeyNotFound,
			"faststore", "History", deviceID)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Forget drops all cached state for deviceID.
func (s *Store) Forget(deviceID string) {
	s.latest.Delete(deviceID)
	s.history.Delete(deviceID)
}

// Close stops the cache cleanup goroutines.
func (s *Store) Close() error {
	err1 := s.latest.Close()
	err2 := s.history.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
