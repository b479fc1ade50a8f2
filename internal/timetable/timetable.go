package timetable

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"gtfs-timetable/internal/triptimes"
)

// Timetable is one published view of every trip: the scheduled baselines of
// a load generation plus the overlays of the latest real-time cycle. It is
// never modified after publication.
type Timetable struct {
	Generation uint64
	LoadedAt   time.Time
	UpdatedAt  time.Time

	scheduled map[string]*triptimes.TripTimes
	realtime  map[string]*triptimes.TripTimes
}

func New(generation uint64, scheduled map[string]*triptimes.TripTimes) *Timetable {
	now := time.Now()
	return &Timetable{
		Generation: generation,
		LoadedAt:   now,
		UpdatedAt:  now,
		scheduled:  scheduled,
		realtime:   map[string]*triptimes.TripTimes{},
	}
}

// Get returns the real-time overlay of tripID if the current cycle has one,
// otherwise its baseline.
func (t *Timetable) Get(tripID string) (*triptimes.TripTimes, bool) {
	if tt, ok := t.realtime[tripID]; ok {
		return tt, true
	}
	tt, ok := t.scheduled[tripID]
	return tt, ok
}

func (t *Timetable) Scheduled(tripID string) (*triptimes.TripTimes, bool) {
	tt, ok := t.scheduled[tripID]
	return tt, ok
}

func (t *Timetable) TripIDs() []string {
	return slices.Sorted(maps.Keys(t.scheduled))
}

func (t *Timetable) Len() int { return len(t.scheduled) }

func (t *Timetable) RealtimeLen() int { return len(t.realtime) }

func (t *Timetable) RealtimeTripIDs() []string {
	return slices.Sorted(maps.Keys(t.realtime))
}

// WithRealtime returns a timetable of the same generation whose overlays are
// exactly overlays; the previous cycle's overlays are dropped.
func (t *Timetable) WithRealtime(overlays map[string]*triptimes.TripTimes) *Timetable {
	next := *t
	next.UpdatedAt = time.Now()
	next.realtime = make(map[string]*triptimes.TripTimes, len(overlays))
	for id, tt := range overlays {
		if _, known := t.scheduled[id]; known {
			next.realtime[id] = tt
		}
	}
	return &next
}

// Store holds the timetable readers should use. Publish swaps it atomically.
type Store struct {
	current atomic.Pointer[Timetable]
}

func NewStore(initial *Timetable) *Store {
	s := &Store{}
	if initial != nil {
		s.current.Store(initial)
	}
	return s
}

// Current returns nil until the first Publish.
func (s *Store) Current() *Timetable { return s.current.Load() }

func (s *Store) Publish(next *Timetable) (previous *Timetable) {
	return s.current.Swap(next)
}

// CompareAndSwap publishes next only if old is still current. Writers that
// derive next from Current use it so a concurrent reload is not overwritten.
func (s *Store) CompareAndSwap(old, next *Timetable) bool {
	return s.current.CompareAndSwap(old, next)
}
