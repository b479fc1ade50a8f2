package gtfs

// Values of the GTFS trips.txt bikes_allowed column.
const (
	BikesNoInfo     = 0
	BikesAllowed    = 1
	BikesNotAllowed = 2
)

type Trip struct {
	TripID       string
	RouteID      string
	ShapeID      string
	ServiceID    string
	BikesAllowed int // bikes_allowed code; 0 if missing
}

// StopTime is one stop_times.txt row as read by the static loader.
type StopTime struct {
	StopSequence int
	ArrivalSec   int // seconds since service-day midnight (can exceed 24h)
	DepartureSec int // seconds since service-day midnight (can exceed 24h)
	StopID       string
}
