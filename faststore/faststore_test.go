package faststore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/telemetry"
)

func newStore(t *testing.T, size int) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		HistorySize: size,
		LatestTTL:   time.Minute,
		HistoryTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func reading(deviceID string, at time.Time, temp float64) telemetry.Reading {
	m := telemetry.NewMetrics()
	m.Set("temperature", temp)
	return telemetry.Reading{DeviceID: deviceID, Timestamp: at, Metrics: m}
}

func TestLatestOverwrittenOnEveryReading(t *testing.T) {
	s := newStore(t, 10)
	at := time.Now()

	s.Record(reading("s1", at, 20))
	s.Record(reading("s1", at.Add(time.Second), 25))

	latest, err := s.Latest("s1")
	require.NoError(t, err)
	temp, _ := latest.Metrics.Get("temperature")
	assert.Equal(t, 25.0, temp)
}

func TestLatestNotFound(t *testing.T) {
	s := newStore(t, 10)

	_, err := s.Latest("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestHistoryOldestFirstAndCapped(t *testing.T) {
	s := newStore(t, 3)
	at := time.Now()

	for i := 0; i < 5; i++ {
		s.Record(reading("s1", at.Add(time.Duration(i)*time.Second), float64(i)))
	}

	history, err := s.History("s1", Filter{})
	require.NoError(t, err)
	require.Len(t, history, 3)

	// ring keeps the most recent entries, oldest first
	for i, r := range history {
		temp, _ := r.Metrics.Get("temperature")
		assert.Equal(t, float64(i+2), temp)
	}
}

func TestHistoryFilter(t *testing.T) {
	s := newStore(t, 10)
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		s.Record(reading("s1", at.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	history, err := s.History("s1", Filter{
		Since: at.Add(1 * time.Minute),
		Until: at.Add(4 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, history, 4)

	limited, err := s.History("s1", Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	temp, _ := limited[1].Metrics.Get("temperature")
	assert.Equal(t, 5.0, temp, "limit keeps the most recent entries")

	_, err = s.History("s1", Filter{Since: at.Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestHistoryNotFound(t *testing.T) {
	s := newStore(t, 10)

	_, err := s.History("missing", Filter{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestForget(t *testing.T) {
	s := newStore(t, 10)
	s.Record(reading("s1", time.Now(), 20))

	s.Forget("s1")

	_, err := s.Latest("s1")
	assert.True(t, errors.IsNotFound(err))
	_, err = s.History("s1", Filter{})
	assert.True(t, errors.IsNotFound(err))
}

func TestExpiry(t *testing.T) {
	s, err := New(context.Background(), Config{
		HistorySize: 10,
		LatestTTL:   20 * time.Millisecond,
		HistoryTTL:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	s.Record(reading("s1", time.Now(), 20))
	time.Sleep(50 * time.Millisecond)

	_, err = s.Latest("s1")
	assert.True(t, errors.IsNotFound(err))
}

func TestConcurrentDevices(t *testing.T) {
	s := newStore(t, 5)
	at := time.Now()

	done := make(chan struct{})
	for d := 0; d < 4; d++ {
		go func(d int) {
			defer func() { done <- struct{}{} }()
			id := fmt.Sprintf("s%d", d)
			for i := 0; i < 50; i++ {
				s.Record(reading(id, at.Add(time.Duration(i)*time.Second), float64(i)))
			}
		}(d)
	}
	for d := 0; d < 4; d++ {
		<-done
	}

	for d := 0; d < 4; d++ {
		id := fmt.Sprintf("s%d", d)
		latest, err := s.Latest(id)
		require.NoError(t, err)
		temp, _ := latest.Metrics.Get("temperature")
		assert.Equal(t, 49.0, temp)

		history, err := s.History(id, Filter{})
		require.NoError(t, err)
		assert.Len(t, history, 5)
	}
}
