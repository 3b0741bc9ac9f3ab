package recurrence

import (
	"testing"
	"time"

	"github.com/beekhof/calensync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapInstanceID(t *testing.T) {
	tests := []struct {
		source, destSeries string
		want               string
		ok                 bool
	}{
		{"123_334", "321", "321_334", true},
		{"_123_334", "321", "321_334", true},
		{"123_20241201Z", "321", "321_20241201Z", true},
		{"123_20241201T090000Z", "abc_20241101T090000Z", "abc_20241201T090000Z", true},
		{"123_20241201T090000Z", "abc_xyz", "abc_xyz_20241201T090000Z", true},
		{"team_standup", "321", "", false},
		{"123", "321", "", false},
		{"_123", "321", "", false},
		{"123_", "321", "", false},
	}
	for _, tt := range tests {
		got, ok := MapInstanceID(tt.source, tt.destSeries)
		assert.Equal(t, tt.ok, ok, tt.source)
		assert.Equal(t, tt.want, got, tt.source)
	}
}

func TestSplitInstanceID(t *testing.T) {
	series, suffix, ok := SplitInstanceID("_123_334")
	assert.True(t, ok)
	assert.Equal(t, "123", series)
	assert.Equal(t, "334", suffix)

	assert.False(t, IsInstanceID("abcdef"))
}

func TestIsInstanceID_RequiresTimestampSuffix(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"123_334", true},
		{"abc_20250609", true},
		{"abc_20250609T090000Z", true},
		{"a_b_20250609T090000Z", true},
		{"team_standup", false},
		{"weekly_sync_v2", false},
		{"abc_2025T", false},
		{"abc_", false},
		{"_abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsInstanceID(tt.id), tt.id)
	}
	series, suffix, ok := SplitInstanceID("a_b_20250609T090000Z")
	assert.True(t, ok)
	assert.Equal(t, "a_b", series)
	assert.Equal(t, "20250609T090000Z", suffix)
}

func TestSeriesID(t *testing.T) {
	assert.Equal(t, "123", SeriesID(model.Event{ID: "123_20241201Z"}))
	assert.Equal(t, "series", SeriesID(model.Event{ID: "whatever", RecurringEventID: "series"}))
	assert.Empty(t, SeriesID(model.Event{ID: "plain"}))
	assert.True(t, IsInstance(model.Event{ID: "x", RecurringEventID: "s"}))
}

func TestSeriesEnded(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	ended, err := SeriesEnded([]string{"RRULE:FREQ=WEEKLY;UNTIL=20240301T000000Z"}, start, now)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = SeriesEnded([]string{"RRULE:FREQ=WEEKLY;UNTIL=20250301T000000Z"}, start, now)
	require.NoError(t, err)
	assert.False(t, ended)

	ended, err = SeriesEnded([]string{"EXDATE:20240108T090000Z", "RRULE:FREQ=DAILY;COUNT=5"}, start, now)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = SeriesEnded([]string{"RRULE:FREQ=DAILY"}, start, now)
	require.NoError(t, err)
	assert.False(t, ended)

	ended, err = SeriesEnded(nil, start, now)
	require.NoError(t, err)
	assert.False(t, ended)

	_, err = SeriesEnded([]string{"RRULE:FREQ=SOMETIMES"}, start, now)
	var perr *model.ParseError
	assert.ErrorAs(t, err, &perr)
}
