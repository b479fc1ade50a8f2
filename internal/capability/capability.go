// Package capability holds the per-trip travel-mode capabilities (currently
// bicycle carriage) that decide whether a trip may be used by a request.
//
// The values live outside any single trip timing overlay: every overlay of a
// trip reads the same entry, so a change is seen by all of them at once.
package capability

import (
	"maps"
	"sync"
	"sync/atomic"

	"gtfs-timetable/internal/gtfs"
)

type Access int

const (
	Unknown Access = iota
	Allowed
	NotAllowed
)

func (a Access) String() string {
	switch a {
	case Allowed:
		return "ALLOWED"
	case NotAllowed:
		return "NOT_ALLOWED"
	default:
		return "UNKNOWN"
	}
}

// FromBikesAllowed maps a GTFS bikes_allowed code.
func FromBikesAllowed(code int) Access {
	switch code {
	case gtfs.BikesAllowed:
		return Allowed
	case gtfs.BikesNotAllowed:
		return NotAllowed
	default:
		return Unknown
	}
}

// Source resolves the bicycle access of a trip.
type Source interface {
	BikeAccess(trip *gtfs.Trip) Access
}

// Snapshot is an immutable view of the table. A search that needs every
// lookup to agree takes one Snapshot up front.
type Snapshot struct {
	version uint64
	trips   map[string]Access
	routes  map[string]Access
}

func (s *Snapshot) Version() uint64 { return s.version }

// BikeAccess returns the trip's own value, falling back to its route.
func (s *Snapshot) BikeAccess(trip *gtfs.Trip) Access {
	if s == nil || trip == nil {
		return Unknown
	}
	if a, ok := s.trips[trip.TripID]; ok && a != Unknown {
		return a
	}
	if a, ok := s.routes[trip.RouteID]; ok {
		return a
	}
	return Unknown
}

// Table is the process-wide capability store. Writers are serialized and
// each write publishes a fresh Snapshot; readers never lock.
type Table struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func NewTable() *Table {
	t := &Table{}
	t.current.Store(&Snapshot{trips: map[string]Access{}, routes: map[string]Access{}})
	return t
}

func (t *Table) Snapshot() *Snapshot { return t.current.Load() }

func (t *Table) BikeAccess(trip *gtfs.Trip) Access {
	return t.current.Load().BikeAccess(trip)
}

func (t *Table) SetForTrip(tripID string, a Access) {
	t.write(func(next *Snapshot) { next.trips[tripID] = a })
}

func (t *Table) SetForRoute(routeID string, a Access) {
	t.write(func(next *Snapshot) { next.routes[routeID] = a })
}

// Replace swaps in the per-trip values of a new load generation. Route
// values are kept.
func (t *Table) Replace(trips map[string]Access) {
	t.write(func(next *Snapshot) { next.trips = maps.Clone(trips) })
}

func (t *Table) write(apply func(next *Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current.Load()
	next := &Snapshot{
		version: prev.version + 1,
		trips:   maps.Clone(prev.trips),
		routes:  maps.Clone(prev.routes),
	}
	apply(next)
	if next.trips == nil {
		next.trips = map[string]Access{}
	}
	t.current.Store(next)
}

// FromTrips collects the bikes_allowed value of every trip that states one.
func FromTrips(trips []gtfs.Trip) map[string]Access {
	out := make(map[string]Access, len(trips))
	for _, tr := range trips {
		if a := FromBikesAllowed(tr.BikesAllowed); a != Unknown {
			out[tr.TripID] = a
		}
	}
	return out
}

type Requirement int

const (
	NotRequired Requirement = iota
	// Required rejects only trips that explicitly forbid the capability.
	Required
	// RequiredKnown rejects every trip not known to allow it.
	RequiredKnown
)

type Request struct {
	Bicycle      Requirement
	Capabilities Source
}

// Accepts reports whether a trip with the given access satisfies r.
func (r Request) Accepts(a Access) bool {
	switch r.Bicycle {
	case Required:
		return a != NotAllowed
	case RequiredKnown:
		return a == Allowed
	default:
		return true
	}
}
