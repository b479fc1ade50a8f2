// Package triptimes holds the arrival and departure times of one trip at
// each of its stops: an immutable scheduled baseline shared through a
// dedup.Deduplicator, and a real-time overlay that only allocates when a
// field is first modified.
//
// Stop indices are positions in the trip's stop sequence (0..NumStops-1).
// An out-of-range index is a programming error and panics.
package triptimes

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gtfs-timetable/internal/capability"
	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/gtfs"
)

// Unavailable marks a real-time time that is not known. It is a legal
// overlay value; prefer LookupArrival/LookupDeparture over comparing to it.
// It lies outside the int32 range of scheduled times, so no schedule value
// shifted by an int32 delay can collide with it.
const Unavailable = math.MinInt

type TripTimes struct {
	trip *gtfs.Trip

	// baseline, interned and never written
	scheduledArrivals   []int32
	scheduledDepartures []int32
	stopSequences       []int32
	stopIDs             []string

	// overlay, nil until the field is first updated
	arrivals   []int
	departures []int

	canceled bool
}

// FitsSchedule reports whether every time and stop_sequence of rows can be
// stored in the baseline.
func FitsSchedule(rows []gtfs.StopTime) bool {
	for _, st := range rows {
		if !fitsInt32(st.ArrivalSec) || !fitsInt32(st.DepartureSec) || !fitsInt32(st.StopSequence) {
			return false
		}
	}
	return true
}

func fitsInt32(v int) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// FromSchedule builds the baseline for trip from its stop_times rows. Rows
// are ordered by StopSequence; they are not checked for consistency. It
// panics when a row does not pass FitsSchedule.
func FromSchedule(trip *gtfs.Trip, rows []gtfs.StopTime, d *dedup.Deduplicator) *TripTimes {
	if !FitsSchedule(rows) {
		panic(fmt.Sprintf("triptimes: trip %s has a stop time outside the int32 range", trip.TripID))
	}
	sorted := slices.Clone(rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StopSequence < sorted[j].StopSequence })

	n := len(sorted)
	arr := make([]int32, n)
	dep := make([]int32, n)
	seq := make([]int32, n)
	ids := make([]string, n)
	for i, st := range sorted {
		arr[i] = int32(st.ArrivalSec)
		dep[i] = int32(st.DepartureSec)
		seq[i] = int32(st.StopSequence)
		ids[i] = st.StopID
	}
	return &TripTimes{
		trip:                trip,
		scheduledArrivals:   d.Int32s(arr),
		scheduledDepartures: d.Int32s(dep),
		stopSequences:       d.Int32s(seq),
		stopIDs:             d.Strings(ids),
	}
}

// Copy returns an overlay that starts out identical to src and is
// independent of it afterwards.
func Copy(src *TripTimes) *TripTimes {
	cp := *src
	cp.arrivals = slices.Clone(src.arrivals)
	cp.departures = slices.Clone(src.departures)
	return &cp
}

func (tt *TripTimes) Trip() *gtfs.Trip { return tt.trip }

func (tt *TripTimes) NumStops() int { return len(tt.scheduledArrivals) }

func (tt *TripTimes) checkIndex(i int) {
	if i < 0 || i >= len(tt.scheduledArrivals) {
		panic(fmt.Sprintf("triptimes: stop index %d out of range [0,%d)", i, len(tt.scheduledArrivals)))
	}
}

func (tt *TripTimes) StopID(i int) string { return tt.stopIDs[i] }

func (tt *TripTimes) StopSequence(i int) int { return int(tt.stopSequences[i]) }

// IndexOfStopSequence finds the stop index carrying the GTFS stop_sequence.
func (tt *TripTimes) IndexOfStopSequence(seq int) (int, bool) {
	i, found := slices.BinarySearch(tt.stopSequences, int32(seq))
	return i, found
}

// IndexOfStopID returns the first visit of stopID.
func (tt *TripTimes) IndexOfStopID(stopID string) (int, bool) {
	i := slices.Index(tt.stopIDs, stopID)
	return i, i >= 0
}

func (tt *TripTimes) ScheduledArrival(i int) int { return int(tt.scheduledArrivals[i]) }

func (tt *TripTimes) ScheduledDeparture(i int) int { return int(tt.scheduledDepartures[i]) }

// Arrival is the real-time arrival at stop i, or the scheduled one when no
// update was applied. It may be Unavailable.
func (tt *TripTimes) Arrival(i int) int {
	if tt.arrivals != nil {
		return tt.arrivals[i]
	}
	return int(tt.scheduledArrivals[i])
}

// Departure is the departure counterpart of Arrival.
func (tt *TripTimes) Departure(i int) int {
	if tt.departures != nil {
		return tt.departures[i]
	}
	return int(tt.scheduledDepartures[i])
}

func (tt *TripTimes) LookupArrival(i int) (int, bool) {
	v := tt.Arrival(i)
	return v, v != Unavailable
}

func (tt *TripTimes) LookupDeparture(i int) (int, bool) {
	v := tt.Departure(i)
	return v, v != Unavailable
}

// ArrivalDelay is Arrival(i) - ScheduledArrival(i).
func (tt *TripTimes) ArrivalDelay(i int) (int, bool) {
	v, ok := tt.LookupArrival(i)
	if !ok {
		return 0, false
	}
	return v - tt.ScheduledArrival(i), true
}

func (tt *TripTimes) DepartureDelay(i int) (int, bool) {
	v, ok := tt.LookupDeparture(i)
	if !ok {
		return 0, false
	}
	return v - tt.ScheduledDeparture(i), true
}

// RunningTime is the time between departing stop i and arriving at stop
// i+1. Callers must check for Unavailable first.
func (tt *TripTimes) RunningTime(i int) int {
	return tt.Arrival(i+1) - tt.Departure(i)
}

// DwellTime is the time spent at stop i. Callers must check for
// Unavailable first.
func (tt *TripTimes) DwellTime(i int) int {
	return tt.Departure(i) - tt.Arrival(i)
}

func (tt *TripTimes) IsCanceled() bool { return tt.canceled }

// IsCanceledArrival is true at every stop once the trip is canceled.
func (tt *TripTimes) IsCanceledArrival(i int) bool {
	tt.checkIndex(i)
	return tt.canceled
}

func (tt *TripTimes) IsCanceledDeparture(i int) bool {
	tt.checkIndex(i)
	return tt.canceled
}

// IsScheduled reports whether nothing has been applied on top of the
// baseline.
func (tt *TripTimes) IsScheduled() bool {
	return tt.arrivals == nil && tt.departures == nil && !tt.canceled
}

// TimesIncreasing checks arrival(i) <= departure(i) <= arrival(i+1) along
// the whole trip, comparing every value as stored. Unavailable sorts below
// every known time, so an unknown value after a known one fails the check.
// A false result means the applied updates are inconsistent; the caller
// decides what to do with it.
func (tt *TripTimes) TimesIncreasing() bool {
	prev := math.MinInt
	for i := 0; i < tt.NumStops(); i++ {
		a, d := tt.Arrival(i), tt.Departure(i)
		if a < prev || d < a {
			return false
		}
		prev = d
	}
	return true
}

// TimesIncreasingIgnoringUnavailable is TimesIncreasing with Unavailable
// values left out, so only the known times must be in order.
func (tt *TripTimes) TimesIncreasingIgnoringUnavailable() bool {
	prev, seen := 0, false
	check := func(v int) bool {
		if v == Unavailable {
			return true
		}
		if seen && v < prev {
			return false
		}
		prev, seen = v, true
		return true
	}
	for i := 0; i < tt.NumStops(); i++ {
		if !check(tt.Arrival(i)) || !check(tt.Departure(i)) {
			return false
		}
	}
	return true
}

// UpdateArrivalTime sets the real-time arrival at stop i. t may be
// Unavailable.
func (tt *TripTimes) UpdateArrivalTime(i, t int) {
	tt.checkIndex(i)
	if tt.arrivals == nil {
		tt.arrivals = widen(tt.scheduledArrivals)
	}
	tt.arrivals[i] = t
}

func (tt *TripTimes) UpdateDepartureTime(i, t int) {
	tt.checkIndex(i)
	if tt.departures == nil {
		tt.departures = widen(tt.scheduledDepartures)
	}
	tt.departures[i] = t
}

func widen(s []int32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// UpdateArrivalDelay sets the arrival at stop i to the scheduled arrival
// shifted by delay seconds.
func (tt *TripTimes) UpdateArrivalDelay(i, delay int) {
	tt.UpdateArrivalTime(i, tt.ScheduledArrival(i)+delay)
}

func (tt *TripTimes) UpdateDepartureDelay(i, delay int) {
	tt.UpdateDepartureTime(i, tt.ScheduledDeparture(i)+delay)
}

// Cancel marks the whole trip as not running. Times, scheduled and
// real-time, are left as they are.
func (tt *TripTimes) Cancel() { tt.canceled = true }

// TripAcceptable reports whether the trip can be boarded at stopIndex by a
// request with the given capability requirements. Capability values are
// read at call time from req.Capabilities.
func (tt *TripTimes) TripAcceptable(req capability.Request, stopIndex int) bool {
	tt.checkIndex(stopIndex)
	if req.Bicycle == capability.NotRequired {
		return true
	}
	access := capability.Unknown
	if req.Capabilities != nil {
		access = req.Capabilities.BikeAccess(tt.trip)
	}
	return req.Accepts(access)
}
