package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gtfs-timetable/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Day is everything the timetable needs for one service day.
type Day struct {
	Date      time.Time
	Trips     []gtfs.Trip
	StopTimes map[string][]gtfs.StopTime // trip_id -> rows ordered by stop_sequence
}

// LoadDay reads the trips running on day together with their stop_times.
func LoadDay(ctx context.Context, db *sql.DB, day time.Time) (*Day, error) {
	serviceIDs, err := FetchActiveServiceIDs(ctx, db, day)
	if err != nil {
		return nil, err
	}
	out := &Day{Date: day, StopTimes: map[string][]gtfs.StopTime{}}
	if len(serviceIDs) == 0 {
		return out, nil
	}
	out.Trips, err = FetchTrips(ctx, db, serviceIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(out.Trips))
	for i, t := range out.Trips {
		ids[i] = t.TripID
	}
	out.StopTimes, err = FetchStopTimeRows(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchActiveServiceIDs resolves calendar and calendar_dates for day.
func FetchActiveServiceIDs(ctx context.Context, db *sql.DB, day time.Time) ([]string, error) {
	date := day.Format("2006-01-02")
	dow := int(day.Weekday()) // 0=Sunday

	// calendar has booleans (0/1). calendar_dates has exception_type (1 add, 2 remove)
	// Column types follow postgis-gtfs-importer.
	q := `
WITH base AS (
  SELECT service_id
  FROM calendar
  WHERE start_date <= $1::date AND end_date >= $1::date
    AND (
      ($2 = 0 AND (sunday::text IN ('1','t','true','available'))) OR
      ($2 = 1 AND (monday::text IN ('1','t','true','available'))) OR
      ($2 = 2 AND (tuesday::text IN ('1','t','true','available'))) OR
      ($2 = 3 AND (wednesday::text IN ('1','t','true','available'))) OR
      ($2 = 4 AND (thursday::text IN ('1','t','true','available'))) OR
      ($2 = 5 AND (friday::text IN ('1','t','true','available'))) OR
      ($2 = 6 AND (saturday::text IN ('1','t','true','available')))
    )
), add_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('1','added'))
), rm_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('2','removed'))
), merged AS (
  SELECT service_id FROM base
  UNION
  SELECT service_id FROM add_exc
)
SELECT DISTINCT service_id FROM merged
WHERE service_id NOT IN (SELECT service_id FROM rm_exc)
`

	rows, err := db.QueryContext(ctx, q, date, dow)
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}

func FetchTrips(ctx context.Context, db *sql.DB, serviceIDs []string) ([]gtfs.Trip, error) {
	q := `
SELECT trip_id, route_id, service_id, COALESCE(shape_id, ''), COALESCE(bikes_allowed::text, '')
FROM trips
WHERE service_id = ANY($1)
ORDER BY trip_id`
	rows, err := db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []gtfs.Trip
	for rows.Next() {
		var t gtfs.Trip
		var bikes string
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ServiceID, &t.ShapeID, &bikes); err != nil {
			return nil, err
		}
		t.BikesAllowed = parseBikesAllowed(bikes)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// FetchStopTimeRows reads the stop_times of all tripIDs in one query.
func FetchStopTimeRows(ctx context.Context, db *sql.DB, tripIDs []string) (map[string][]gtfs.StopTime, error) {
	out := make(map[string][]gtfs.StopTime, len(tripIDs))
	if len(tripIDs) == 0 {
		return out, nil
	}
	q := `
SELECT trip_id, stop_sequence, stop_id,
       COALESCE(arrival_time::text, ''),
       COALESCE(departure_time::text, '')
FROM stop_times
WHERE trip_id = ANY($1)
ORDER BY trip_id, stop_sequence`
	rows, err := db.QueryContext(ctx, q, tripIDs)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tripID, arr, dep string
		var st gtfs.StopTime
		if err := rows.Scan(&tripID, &st.StopSequence, &st.StopID, &arr, &dep); err != nil {
			return nil, err
		}
		st.ArrivalSec, st.DepartureSec = stopTimeSeconds(arr, dep)
		out[tripID] = append(out[tripID], st)
	}
	return out, rows.Err()
}

// stopTimeSeconds fills a missing arrival from the departure and vice versa,
// as GTFS allows either to be empty at timepoints-only stops.
func stopTimeSeconds(arr, dep string) (int, int) {
	a, aok := parseDaySeconds(arr)
	d, dok := parseDaySeconds(dep)
	switch {
	case aok && !dok:
		d = a
	case dok && !aok:
		a = d
	}
	return a, d
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24. Postgres
// interval text ("1 day 02:10:00") is accepted as well.
func parseDaySeconds(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	days := 0
	if i := strings.Index(s, " day"); i > 0 {
		days, _ = strconv.Atoi(strings.TrimSpace(s[:i]))
		rest := s[i+len(" day"):]
		rest = strings.TrimPrefix(rest, "s")
		s = strings.TrimSpace(rest)
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	total := days*86400 + h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total, true
}

func parseBikesAllowed(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "allowed":
		return gtfs.BikesAllowed
	case "2", "not_allowed":
		return gtfs.BikesNotAllowed
	default:
		return gtfs.BikesNoInfo
	}
}
