package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-timetable/internal/gtfs"
)

func TestParseDaySeconds(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"00:00:00", 0, true},
		{"08:15:30", 8*3600 + 15*60 + 30, true},
		{"25:10:00", 25*3600 + 10*60, true},
		{" 7:05 ", 7*3600 + 5*60, true},
		{"1 day 02:00:00", 26 * 3600, true},
		{"2 days 00:30:00", 48*3600 + 30*60, true},
		{"", 0, false},
		{"noon", 0, false},
		{"xx:10:00", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseDaySeconds(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStopTimeSeconds_FillsMissingSide(t *testing.T) {
	a, d := stopTimeSeconds("", "10:00:00")
	assert.Equal(t, 36000, a)
	assert.Equal(t, 36000, d)

	a, d = stopTimeSeconds("10:00:00", "")
	assert.Equal(t, 36000, a)
	assert.Equal(t, 36000, d)

	a, d = stopTimeSeconds("10:00:00", "10:01:00")
	assert.Equal(t, 36000, a)
	assert.Equal(t, 36060, d)
}

func TestParseBikesAllowed(t *testing.T) {
	assert.Equal(t, gtfs.BikesAllowed, parseBikesAllowed("1"))
	assert.Equal(t, gtfs.BikesNotAllowed, parseBikesAllowed("2"))
	assert.Equal(t, gtfs.BikesNotAllowed, parseBikesAllowed("not_allowed"))
	assert.Equal(t, gtfs.BikesNoInfo, parseBikesAllowed(""))
	assert.Equal(t, gtfs.BikesNoInfo, parseBikesAllowed("0"))
}

func TestWithDBName(t *testing.T) {
	got, err := WithDBName("postgres://user:pw@db:5432/postgres?sslmode=disable", "gtfs_berlin_20260101")
	require.NoError(t, err)
	assert.Equal(t, "postgres://user:pw@db:5432/gtfs_berlin_20260101?sslmode=disable", got)

	got, err = WithDBName("user@localhost:5432/x", "/other")
	require.NoError(t, err)
	assert.Equal(t, "postgres://user@localhost:5432/other", got)

	_, err = WithDBName("", "x")
	assert.Error(t, err)

	_, err = WithDBName("mysql://localhost/x", "y")
	assert.Error(t, err)
}
