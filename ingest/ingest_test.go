package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/fieldgate/telemetry"
)

func reading(deviceID string, at time.Time, pairs ...any) telemetry.Reading {
	m := telemetry.NewMetrics()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(float64))
	}
	return telemetry.Reading{DeviceID: deviceID, Timestamp: at, Metrics: m}
}

func TestAppendReportsThreshold(t *testing.T) {
	b := New(3, 10, 0.05)
	at := time.Now()

	assert.False(t, b.Append(reading("s1", at, "temperature", 20.0)))
	assert.False(t, b.Append(reading("s1", at, "temperature", 21.0)))
	assert.True(t, b.Append(reading("s1", at, "temperature", 22.0)))
	assert.Equal(t, 3, b.Len("s1"))

	// other devices have independent buffers
	assert.False(t, b.Append(reading("s2", at, "temperature", 20.0)))
}

func TestFlushEmptiesBuffer(t *testing.T) {
	b := New(10, 100, 0.05)
	at := time.Now()

	for i := 0; i < 10; i++ {
		b.Append(reading("s1", at.Add(time.Duration(i)*time.Second), "temperature", 20.0))
	}

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, 10, window.SampleCount)
	assert.Equal(t, 0, b.Len("s1"))

	// nothing carries into the next window
	_, ok = b.Flush("s1")
	assert.False(t, ok)
}

func TestFlushUnknownDevice(t *testing.T) {
	b := New(10, 100, 0.05)

	_, ok := b.Flush("never-seen")
	assert.False(t, ok)
}

func TestFlushMeanAndIncreasingTrend(t *testing.T) {
	b := New(10, 100, 0.05)
	at := time.Now()

	values := []float64{10, 10, 10, 10, 10, 20, 20, 20, 20, 20}
	for i, v := range values {
		b.Append(reading("s1", at.Add(time.Duration(i)*time.Second), "soil_moisture", v))
	}

	window, ok := b.Flush("s1")
	require.True(t, ok)

	mean, present := window.Means.Get("soil_moisture")
	require.True(t, present)
	assert.InDelta(t, 15.0, mean, 1e-9)
	assert.Equal(t, telemetry.TrendIncreasing, window.Trends["soil_moisture"])
	assert.Equal(t, at, window.WindowStart)
	assert.Equal(t, at.Add(9*time.Second), window.WindowEnd)
}

func TestFlushDecreasingAndStableTrend(t *testing.T) {
	b := New(10, 100, 0.05)
	at := time.Now()

	for i := 0; i < 10; i++ {
		temp := 30.0
		if i >= 5 {
			temp = 20.0
		}
		b.Append(reading("s1", at.Add(time.Duration(i)*time.Second),
			"temperature", temp,
			"ph", 6.5))
	}

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, telemetry.TrendDecreasing, window.Trends["temperature"])
	assert.Equal(t, telemetry.TrendStable, window.Trends["ph"])
}

func TestFlushAbsentMetricsExcludedFromMean(t *testing.T) {
	b := New(4, 100, 0.05)
	at := time.Now()

	// humidity present in only two of four readings
	b.Append(reading("s1", at, "temperature", 20.0, "humidity", 50.0))
	b.Append(reading("s1", at.Add(time.Second), "temperature", 22.0))
	b.Append(reading("s1", at.Add(2*time.Second), "temperature", 24.0, "humidity", 60.0))
	b.Append(reading("s1", at.Add(3*time.Second), "temperature", 26.0))

	window, ok := b.Flush("s1")
	require.True(t, ok)

	humidity, present := window.Means.Get("humidity")
	require.True(t, present)
	assert.InDelta(t, 55.0, humidity, 1e-9, "absent values must not drag the mean to zero")

	temp, _ := window.Means.Get("temperature")
	assert.InDelta(t, 23.0, temp, 1e-9)
}

func TestFlushSingleSampleTrendUndefined(t *testing.T) {
	b := New(10, 100, 0.05)

	b.Append(reading("s1", time.Now(), "temperature", 20.0))

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, 1, window.SampleCount)
	assert.Equal(t, telemetry.TrendUndefined, window.Trends["temperature"])
}

func TestFlushMetricMissingFromOneHalf(t *testing.T) {
	b := New(6, 100, 0.05)
	at := time.Now()

	// battery only appears in the second half
	for i := 0; i < 6; i++ {
		if i < 3 {
			b.Append(reading("s1", at.Add(time.Duration(i)*time.Second), "temperature", 20.0))
		} else {
			b.Append(reading("s1", at.Add(time.Duration(i)*time.Second),
				"temperature", 20.0, "battery", 90.0))
		}
	}

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, telemetry.TrendUndefined, window.Trends["battery"])
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(100, 5, 0.05)
	at := time.Now()

	for i := 0; i < 8; i++ {
		b.Append(reading("s1", at.Add(time.Duration(i)*time.Second),
			"seq", float64(i)))
	}

	assert.Equal(t, 5, b.Len("s1"))

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, 5, window.SampleCount)

	// oldest three evicted, so the mean covers 3..7
	seq, _ := window.Means.Get("seq")
	assert.InDelta(t, 5.0, seq, 1e-9)
}

func TestMeansPreserveFirstAppearanceOrder(t *testing.T) {
	b := New(2, 100, 0.05)
	at := time.Now()

	b.Append(reading("s1", at, "zeta", 1.0, "alpha", 2.0))
	b.Append(reading("s1", at.Add(time.Second), "alpha", 2.0, "midway", 3.0))

	window, ok := b.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"zeta", "alpha", "midway"}, window.Means.Keys())
}

func TestFlushAll(t *testing.T) {
	b := New(100, 100, 0.05)
	at := time.Now()

	b.Append(reading("s1", at, "temperature", 20.0))
	b.Append(reading("s2", at, "temperature", 21.0))

	windows := b.FlushAll()
	assert.Len(t, windows, 2)
	assert.Equal(t, 0, b.Len("s1"))
	assert.Equal(t, 0, b.Len("s2"))
}

func TestConcurrentAppendsPerDevice(t *testing.T) {
	b := New(1000, 1000, 0.05)
	at := time.Now()

	var wg sync.WaitGroup
	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", d)
			for i := 0; i < 100; i++ {
				b.Append(reading(id, at, "temperature", float64(i)))
			}
		}(d)
	}
	wg.Wait()

	for d := 0; d < 4; d++ {
		id := fmt.Sprintf("s%d", d)
		assert.Equal(t, 100, b.Len(id))
	}
}
