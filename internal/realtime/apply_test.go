package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/gtfs"
	"gtfs-timetable/internal/timetable"
)

// 2024-01-15 00:00:00 UTC
const serviceDay int64 = 1705276800

func testTimetable(t *testing.T) *timetable.Timetable {
	t.Helper()
	trips := []gtfs.Trip{
		{TripID: "t1", RouteID: "r1"},
		{TripID: "t2", RouteID: "r1"},
	}
	rows := map[string][]gtfs.StopTime{}
	for _, tr := range trips {
		rows[tr.TripID] = []gtfs.StopTime{
			{StopID: "A", StopSequence: 1, ArrivalSec: 28800, DepartureSec: 28800},
			{StopID: "B", StopSequence: 2, ArrivalSec: 29100, DepartureSec: 29160},
			{StopID: "C", StopSequence: 3, ArrivalSec: 29400, DepartureSec: 29400},
		}
	}
	tt, _, err := timetable.Build(context.Background(), 1, trips, rows, dedup.New(), 1)
	require.NoError(t, err)
	return tt
}

func testApplier() *Applier {
	return NewApplier(time.UTC, slog.New(slog.DiscardHandler))
}

func feed(entities ...*gtfsrt.FeedEntity) *gtfsrt.FeedMessage {
	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(serviceDay + 8*3600)),
		},
		Entity: entities,
	}
}

func tripUpdate(tripID string, stus ...*gtfsrt.TripUpdate_StopTimeUpdate) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: proto.String(tripID),
		TripUpdate: &gtfsrt.TripUpdate{
			Trip: &gtfsrt.TripDescriptor{
				TripId:    proto.String(tripID),
				StartDate: proto.String("20240115"),
			},
			StopTimeUpdate: stus,
		},
	}
}

func arrivalDelay(seq uint32, delay int32) *gtfsrt.TripUpdate_StopTimeUpdate {
	return &gtfsrt.TripUpdate_StopTimeUpdate{
		StopSequence: proto.Uint32(seq),
		Arrival:      &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(delay)},
	}
}

func TestApply_Delay(t *testing.T) {
	tt := testTimetable(t)
	stu := arrivalDelay(2, 60)
	stu.Departure = &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(60)}

	overlays, res := testApplier().Apply(tt, feed(tripUpdate("t1", stu)))

	require.Contains(t, overlays, "t1")
	o := overlays["t1"]
	assert.Equal(t, 29160, o.Arrival(1))
	assert.Equal(t, 29220, o.Departure(1))
	assert.Equal(t, 29400, o.Arrival(2))
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.TripUpdates)

	// the baseline is untouched
	base, _ := tt.Scheduled("t1")
	assert.Equal(t, 29100, base.Arrival(1))
	assert.True(t, base.IsScheduled())
}

func TestApply_AbsoluteTimeByStopID(t *testing.T) {
	tt := testTimetable(t)
	stu := &gtfsrt.TripUpdate_StopTimeUpdate{
		StopId:  proto.String("C"),
		Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(serviceDay + 29380)},
	}

	overlays, _ := testApplier().Apply(tt, feed(tripUpdate("t2", stu)))

	require.Contains(t, overlays, "t2")
	assert.Equal(t, 29380, overlays["t2"].Arrival(2))
	d, ok := overlays["t2"].ArrivalDelay(2)
	assert.True(t, ok)
	assert.Equal(t, -20, d)
}

func TestApply_ServiceDayFromHeader(t *testing.T) {
	tt := testTimetable(t)
	e := tripUpdate("t1", &gtfsrt.TripUpdate_StopTimeUpdate{
		StopSequence: proto.Uint32(3),
		Arrival:      &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(serviceDay + 29390)},
	})
	e.TripUpdate.Trip.StartDate = nil

	overlays, _ := testApplier().Apply(tt, feed(e))

	require.Contains(t, overlays, "t1")
	assert.Equal(t, 29390, overlays["t1"].Arrival(2))
}

func TestApply_Canceled(t *testing.T) {
	tt := testTimetable(t)
	e := tripUpdate("t1")
	e.TripUpdate.Trip.ScheduleRelationship = gtfsrt.TripDescriptor_CANCELED.Enum()

	overlays, res := testApplier().Apply(tt, feed(e))

	require.Contains(t, overlays, "t1")
	assert.True(t, overlays["t1"].IsCanceled())
	assert.Equal(t, 1, res.Canceled)
}

func TestApply_NoData(t *testing.T) {
	tt := testTimetable(t)
	stu := &gtfsrt.TripUpdate_StopTimeUpdate{
		StopSequence:         proto.Uint32(2),
		ScheduleRelationship: gtfsrt.TripUpdate_StopTimeUpdate_NO_DATA.Enum(),
	}

	overlays, res := testApplier().Apply(tt, feed(tripUpdate("t1", stu)))

	require.Contains(t, overlays, "t1")
	_, ok := overlays["t1"].LookupArrival(1)
	assert.False(t, ok)
	_, ok = overlays["t1"].LookupDeparture(1)
	assert.False(t, ok)
	// unknown times at B sit between known ones, which only the lenient check accepts
	assert.False(t, overlays["t1"].TimesIncreasing())
	assert.True(t, overlays["t1"].TimesIncreasingIgnoringUnavailable())
	assert.Equal(t, 0, res.Rejected)
}

func TestApply_CanceledWithNonIncreasingTimes(t *testing.T) {
	tt := testTimetable(t)
	e := tripUpdate("t1", arrivalDelay(3, -1000))
	e.TripUpdate.Trip.ScheduleRelationship = gtfsrt.TripDescriptor_CANCELED.Enum()

	overlays, res := testApplier().Apply(tt, feed(e))

	require.Contains(t, overlays, "t1")
	assert.True(t, overlays["t1"].IsCanceled())
	assert.Equal(t, 29400, overlays["t1"].Arrival(2), "inconsistent times are dropped")
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Canceled)
	assert.Equal(t, 1, res.Applied)
}

func TestApply_StopSequenceFallsBackToStopID(t *testing.T) {
	tt := testTimetable(t)
	stu := arrivalDelay(99, 30)
	stu.StopId = proto.String("B")

	overlays, res := testApplier().Apply(tt, feed(tripUpdate("t1", stu)))

	require.Contains(t, overlays, "t1")
	assert.Equal(t, 29130, overlays["t1"].Arrival(1))
	assert.Equal(t, 0, res.SkippedStops)

	// a matching sequence wins over the stop id
	stu = arrivalDelay(3, -30)
	stu.StopId = proto.String("B")
	overlays, _ = testApplier().Apply(tt, feed(tripUpdate("t1", stu)))
	assert.Equal(t, 29370, overlays["t1"].Arrival(2))
	assert.Equal(t, 29100, overlays["t1"].Arrival(1))
}

func TestApply_AbsoluteTimeOutOfRange(t *testing.T) {
	tt := testTimetable(t)
	stu := &gtfsrt.TripUpdate_StopTimeUpdate{
		StopSequence: proto.Uint32(2),
		Arrival:      &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(serviceDay + 1<<32 + 29100)},
		Departure:    &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(30)},
	}

	overlays, res := testApplier().Apply(tt, feed(tripUpdate("t1", stu)))

	require.Contains(t, overlays, "t1")
	assert.Equal(t, 29100, overlays["t1"].Arrival(1))
	assert.Equal(t, 29190, overlays["t1"].Departure(1))
	assert.Equal(t, 1, res.OutOfRange)
}

func TestApply_UnknownTripAndStop(t *testing.T) {
	tt := testTimetable(t)

	overlays, res := testApplier().Apply(tt, feed(
		tripUpdate("nope", arrivalDelay(1, 30)),
		tripUpdate("t1", arrivalDelay(99, 30), arrivalDelay(2, 30)),
		&gtfsrt.FeedEntity{Id: proto.String("vp")},
	))

	assert.Equal(t, 2, res.TripUpdates)
	assert.Equal(t, 1, res.UnknownTrips)
	assert.Equal(t, 1, res.SkippedStops)
	require.Contains(t, overlays, "t1")
	assert.Equal(t, 29130, overlays["t1"].Arrival(1))
}

func TestApply_RejectsNonIncreasing(t *testing.T) {
	tt := testTimetable(t)

	overlays, res := testApplier().Apply(tt, feed(
		tripUpdate("t1", arrivalDelay(3, -600)),
		tripUpdate("t2", arrivalDelay(2, 60)),
	))

	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Applied)
	assert.NotContains(t, overlays, "t1")
	assert.Contains(t, overlays, "t2")

	next := tt.WithRealtime(overlays)
	got, _ := next.Get("t1")
	assert.Equal(t, 29400, got.Arrival(2))
}

func TestApply_RepeatedTripAccumulates(t *testing.T) {
	tt := testTimetable(t)

	dep := &gtfsrt.TripUpdate_StopTimeUpdate{
		StopSequence: proto.Uint32(1),
		Departure:    &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(45)},
	}
	overlays, res := testApplier().Apply(tt, feed(
		tripUpdate("t1", arrivalDelay(2, 30)),
		tripUpdate("t1", dep),
	))

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 29130, overlays["t1"].Arrival(1))
	assert.Equal(t, 28845, overlays["t1"].Departure(0))
}

func TestServiceDayStart_DST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	a := NewApplier(berlin, slog.New(slog.DiscardHandler))
	td := &gtfsrt.TripDescriptor{StartDate: proto.String("20240331")}

	// clocks go forward at 02:00, so noon minus 12h is 23:00 the day before
	want := time.Date(2024, 3, 30, 22, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, a.serviceDayStart(td, 0))

	td.StartDate = proto.String("20240115")
	want = time.Date(2024, 1, 14, 23, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, a.serviceDayStart(td, 0))
}

func TestApply_NilFeed(t *testing.T) {
	overlays, res := testApplier().Apply(testTimetable(t), nil)
	assert.Empty(t, overlays)
	assert.Equal(t, ApplyResult{}, res)
}
