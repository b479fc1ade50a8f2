package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-timetable/internal/capability"
	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/gtfs"
	"gtfs-timetable/internal/triptimes"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, route, trip string
		want                string
	}{
		{"", "10", "T1", "10.T1"},
		{"timetable", "10", "T1", "timetable.10.T1"},
		{"timetable.", "L 1", "a.b", "timetable.L_1.a_b"},
		{" ", "", "x>*", "_.x__"},
		{"rt.v1", "r/1", "t", "rt.v1.r_1.t"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Subject(tc.prefix, tc.route, tc.trip))
	}
}

func TestNewTripTimesMessage(t *testing.T) {
	trip := &gtfs.Trip{TripID: "T1", RouteID: "10"}
	tt := triptimes.FromSchedule(trip, []gtfs.StopTime{
		{StopID: "A", StopSequence: 1, ArrivalSec: 100, DepartureSec: 100},
		{StopID: "B", StopSequence: 2, ArrivalSec: 200, DepartureSec: 220},
	}, dedup.New())
	tt = triptimes.Copy(tt)
	tt.UpdateArrivalDelay(1, 30)
	tt.UpdateDepartureTime(1, triptimes.Unavailable)
	tt.Cancel()

	at := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	caps := capability.NewTable()
	caps.SetForRoute("10", capability.Allowed)
	msg := NewTripTimesMessage("c-1", at, tt, caps)

	assert.Equal(t, "T1", msg.TripID)
	assert.Equal(t, "10", msg.RouteID)
	assert.Equal(t, "c-1", msg.CycleID)
	assert.True(t, msg.Canceled)
	assert.Equal(t, capability.Allowed.String(), msg.Bikes)
	require.Len(t, msg.Stops, 2)

	b := msg.Stops[1]
	assert.Equal(t, "B", b.StopID)
	assert.Equal(t, 2, b.StopSequence)
	assert.Equal(t, 200, b.ScheduledArrival)
	assert.Equal(t, 220, b.ScheduledDeparture)
	require.NotNil(t, b.Arrival)
	assert.Equal(t, 230, *b.Arrival)
	assert.Nil(t, b.Departure)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"departure":null`)
	assert.Contains(t, string(raw), `"arrival":230`)
}

func TestNewTripTimesMessage_NoCapabilities(t *testing.T) {
	trip := &gtfs.Trip{TripID: "T2", RouteID: "10"}
	tt := triptimes.FromSchedule(trip, []gtfs.StopTime{
		{StopID: "A", StopSequence: 1, ArrivalSec: 100, DepartureSec: 100},
	}, dedup.New())

	msg := NewTripTimesMessage("c-2", time.Now(), tt, nil)
	assert.Equal(t, capability.Unknown.String(), msg.Bikes)
	assert.False(t, msg.Canceled)
	require.Len(t, msg.Stops, 1)
	require.NotNil(t, msg.Stops[0].Departure)
	assert.Equal(t, 100, *msg.Stops[0].Departure)
}
