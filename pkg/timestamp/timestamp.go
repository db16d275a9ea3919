// Package timestamp normalizes the timestamp formats field firmware
// actually sends. Depending on vendor and firmware revision a reading's
// timestamp arrives as an RFC3339 string, Unix seconds or Unix
// milliseconds; everything is canonicalized to time.Time in UTC.
package timestamp

import (
	"strconv"
	"time"
)

// millisThreshold separates Unix seconds from Unix milliseconds. Values
// above it are read as milliseconds; the cutover corresponds to the year
// 33658 in seconds, so no plausible second count crosses it.
const millisThreshold = 1e12

// Parse converts a decoded JSON timestamp value to a time.Time. Accepts
// RFC3339 strings, numeric Unix seconds or milliseconds, and numeric
// strings. Returns false for anything unrecognizable, including zero.
func Parse(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC(), true
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return FromUnix(n)
		}
		return time.Time{}, false
	case float64:
		return FromUnix(t)
	case int64:
		return FromUnix(float64(t))
	case int:
		return FromUnix(float64(t))
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// FromUnix converts a Unix epoch count to a time.Time, treating values
// above the millisecond threshold as milliseconds and the rest as
// seconds. Zero and negative values are rejected.
func FromUnix(epoch float64) (time.Time, bool) {
	if epoch <= 0 {
		return time.Time{}, false
	}
	if epoch > millisThreshold {
		return time.UnixMilli(int64(epoch)).UTC(), true
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), true
}
