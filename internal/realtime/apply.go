package realtime

import (
	"log/slog"
	"math"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"gtfs-timetable/internal/timetable"
	"gtfs-timetable/internal/triptimes"
)

type ApplyResult struct {
	TripUpdates  int // trip update entities seen
	Applied      int // overlays accepted
	Canceled     int
	Rejected     int // overlays whose times were dropped because they were not increasing
	UnknownTrips int
	SkippedStops int // stop updates that matched no stop of the trip
	OutOfRange   int // stop events whose absolute time is too far from the service day
}

// Applier turns GTFS-RT TripUpdates into trip timing overlays.
type Applier struct {
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewApplier(loc *time.Location, logger *slog.Logger) *Applier {
	if loc == nil {
		loc = time.Local
	}
	return &Applier{
		Location: loc,
		Logger:   logger.With("component", "realtime_applier"),
		Now:      time.Now,
	}
}

// Apply builds a fresh overlay for every trip in fm from the baselines of
// tt. Overlays whose known times are not increasing are left out, so the
// trip falls back to its schedule. A canceled trip stays canceled even then.
func (a *Applier) Apply(tt *timetable.Timetable, fm *gtfsrt.FeedMessage) (map[string]*triptimes.TripTimes, ApplyResult) {
	var res ApplyResult
	overlays := map[string]*triptimes.TripTimes{}
	if fm == nil {
		return overlays, res
	}

	var headerTS int64
	if fm.Header != nil && fm.Header.Timestamp != nil {
		headerTS = int64(*fm.Header.Timestamp)
	}

	for _, e := range fm.Entity {
		tu := e.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		res.TripUpdates++
		tripID := *tu.Trip.TripId

		overlay, ok := overlays[tripID]
		if !ok {
			base, found := tt.Scheduled(tripID)
			if !found {
				res.UnknownTrips++
				a.Logger.Debug("trip update for unknown trip", "trip_id", tripID)
				continue
			}
			overlay = triptimes.Copy(base)
		}

		if tu.Trip.ScheduleRelationship != nil && *tu.Trip.ScheduleRelationship == gtfsrt.TripDescriptor_CANCELED {
			overlay.Cancel()
		}

		midnight := a.serviceDayStart(tu.Trip, headerTS)
		for _, stu := range tu.StopTimeUpdate {
			i, ok := stopIndex(overlay, stu)
			if !ok {
				res.SkippedStops++
				continue
			}
			res.OutOfRange += applyStopTimeUpdate(overlay, i, stu, midnight)
		}

		if !overlay.TimesIncreasingIgnoringUnavailable() {
			res.Rejected++
			if !overlay.IsCanceled() {
				delete(overlays, tripID)
				a.Logger.Warn("rejecting trip update with non-increasing times", "trip_id", tripID)
				continue
			}
			base, _ := tt.Scheduled(tripID)
			overlay = triptimes.Copy(base)
			overlay.Cancel()
			a.Logger.Warn("dropping non-increasing times of canceled trip", "trip_id", tripID)
		}
		overlays[tripID] = overlay
	}

	for _, o := range overlays {
		if o.IsCanceled() {
			res.Canceled++
		}
	}
	res.Applied = len(overlays)
	return overlays, res
}

// stopIndex matches on stop_sequence and falls back to stop_id when the
// sequence is absent or unknown to the trip.
func stopIndex(tt *triptimes.TripTimes, stu *gtfsrt.TripUpdate_StopTimeUpdate) (int, bool) {
	if stu.StopSequence != nil {
		if i, ok := tt.IndexOfStopSequence(int(*stu.StopSequence)); ok {
			return i, true
		}
	}
	if stu.StopId != nil {
		return tt.IndexOfStopID(*stu.StopId)
	}
	return 0, false
}

// applyStopTimeUpdate writes one stop update into tt and returns how many of
// its events were ignored for an out-of-range absolute time.
func applyStopTimeUpdate(tt *triptimes.TripTimes, i int, stu *gtfsrt.TripUpdate_StopTimeUpdate, midnight int64) int {
	if stu.ScheduleRelationship != nil {
		switch *stu.ScheduleRelationship {
		case gtfsrt.TripUpdate_StopTimeUpdate_NO_DATA, gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED:
			tt.UpdateArrivalTime(i, triptimes.Unavailable)
			tt.UpdateDepartureTime(i, triptimes.Unavailable)
			return 0
		}
	}
	ignored := 0
	if ev := stu.Arrival; ev != nil {
		switch {
		case ev.Time != nil && *ev.Time > 0:
			if t, ok := relativeTime(*ev.Time, midnight); ok {
				tt.UpdateArrivalTime(i, t)
			} else {
				ignored++
			}
		case ev.Delay != nil:
			tt.UpdateArrivalDelay(i, int(*ev.Delay))
		}
	}
	if ev := stu.Departure; ev != nil {
		switch {
		case ev.Time != nil && *ev.Time > 0:
			if t, ok := relativeTime(*ev.Time, midnight); ok {
				tt.UpdateDepartureTime(i, t)
			} else {
				ignored++
			}
		case ev.Delay != nil:
			tt.UpdateDepartureDelay(i, int(*ev.Delay))
		}
	}
	return ignored
}

// relativeTime converts an epoch time to seconds since midnight. Results
// outside the int32 range cannot be a stop time of this service day.
func relativeTime(epoch, midnight int64) (int, bool) {
	rel := epoch - midnight
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, false
	}
	return int(rel), true
}

// serviceDayStart returns the epoch second that stop times of the trip are
// relative to: noon minus 12h on the service day, which is midnight except
// on DST change days.
func (a *Applier) serviceDayStart(td *gtfsrt.TripDescriptor, headerTS int64) int64 {
	var day time.Time
	if td.StartDate != nil {
		if d, err := time.ParseInLocation("20060102", *td.StartDate, a.Location); err == nil {
			day = d
		}
	}
	if day.IsZero() {
		if headerTS > 0 {
			day = time.Unix(headerTS, 0).In(a.Location)
		} else {
			day = a.Now().In(a.Location)
		}
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, a.Location).Add(-12 * time.Hour).Unix()
}
