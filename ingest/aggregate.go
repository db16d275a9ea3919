package ingest

import (
	"github.com/agrimesh/fieldgate/telemetry"
)

// aggregate reduces one drained buffer into an AggregateWindow. Readings
// arrive in append order, which is temporal order for a device stream.
func aggregate(deviceID string, readings []telemetry.Reading, band float64) telemetry.AggregateWindow {
	window := telemetry.AggregateWindow{
		DeviceID:    deviceID,
		SampleCount: len(readings),
		WindowStart: readings[0].Timestamp,
		WindowEnd:   readings[len(readings)-1].Timestamp,
		Means:       telemetry.NewMetrics(),
		Trends:      make(map[string]telemetry.Trend),
	}

	for _, metric := range metricNames(readings) {
		window.Means.Set(metric, mean(readings, metric))
		window.Trends[metric] = trend(readings, metric, band)
	}
	return window
}

// metricNames returns the union of metric names across the readings, in
// order of first appearance.
func metricNames(readings []telemetry.Reading) []string {
	var names []string
	seen := make(map[string]bool)
	for _, r := range readings {
		if r.Metrics == nil {
			continue
		}
		for _, name := range r.Metrics.Keys() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// mean averages a metric over the readings where it is present. Absent
// values are excluded, never treated as zero.
func mean(readings []telemetry.Reading, metric string) float64 {
	sum := 0.0
	n := 0
	for _, r := range readings {
		if r.Metrics == nil {
			continue
		}
		if v, ok := r.Metrics.Get(metric); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// trend classifies a metric's direction by splitting the window into
// temporal halves and comparing the halves' means. The second half must
// move past the band around the first-half mean to count as a trend.
func trend(readings []telemetry.Reading, metric string, band float64) telemetry.Trend {
	if countPresent(readings, metric) < 2 {
		return telemetry.TrendUndefined
	}

	mid := len(readings) / 2
	first, firstOK := halfMean(readings[:mid], metric)
	second, secondOK := halfMean(readings[mid:], metric)
	if !firstOK || !secondOK {
		return telemetry.TrendUndefined
	}

	switch {
	case second > first*(1+band):
		return telemetry.TrendIncreasing
	case second < first*(1-band):
		return telemetry.TrendDecreasing
	default:
		return telemetry.TrendStable
	}
}

func countPresent(readings []telemetry.Reading, metric string) int {
	n := 0
	for _, r := range readings {
		if r.Metrics == nil {
			continue
		}
		if _, ok := r.Metrics.Get(metric); ok {
			n++
		}
	}
	return n
}

func halfMean(half []telemetry.Reading, metric string) (float64, bool) {
	if countPresent(half, metric) == 0 {
		return 0, false
	}
	return mean(half, metric), true
}
