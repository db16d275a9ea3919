package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRFC3339(t *testing.T) {
	got, ok := Parse("2026-04-01T08:30:00Z")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), got)

	got, ok = Parse("2026-04-01T10:30:00+02:00")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), got)
}

func TestParseUnixSeconds(t *testing.T) {
	got, ok := Parse(float64(1774946400))
	require.True(t, ok)
	assert.Equal(t, int64(1774946400), got.Unix())
}

func TestParseUnixMillis(t *testing.T) {
	got, ok := Parse(float64(1774946400500))
	require.True(t, ok)
	assert.Equal(t, int64(1774946400500), got.UnixMilli())
}

func TestParseNumericString(t *testing.T) {
	got, ok := Parse("1774946400")
	require.True(t, ok)
	assert.Equal(t, int64(1774946400), got.Unix())
}

func TestParseFractionalSeconds(t *testing.T) {
	got, ok := Parse(1774946400.25)
	require.True(t, ok)
	assert.Equal(t, int64(1774946400), got.Unix())
	assert.Equal(t, 250*time.Millisecond, time.Duration(got.Nanosecond()))
}

func TestParseRejects(t *testing.T) {
	for _, v := range []any{nil, "", "last tuesday", float64(0), -5.0, true, []string{"x"}, time.Time{}} {
		_, ok := Parse(v)
		assert.False(t, ok, "value %v", v)
	}
}
