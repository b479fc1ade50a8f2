package timetable

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/gtfs"
	"gtfs-timetable/internal/triptimes"
)

type BuildStats struct {
	Trips   int
	Skipped int // trips without stop_times rows or with times out of range
}

// Build creates the baseline of every trip, one trip per unit of work on up
// to workers goroutines. d is the only state shared between workers.
func Build(ctx context.Context, generation uint64, trips []gtfs.Trip, rows map[string][]gtfs.StopTime, d *dedup.Deduplicator, workers int) (*Timetable, BuildStats, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		mu      sync.Mutex
		out     = make(map[string]*triptimes.TripTimes, len(trips))
		skipped atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trips {
		trip := &trips[i]
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st := rows[trip.TripID]
			if len(st) == 0 || !triptimes.FitsSchedule(st) {
				skipped.Add(1)
				return nil
			}
			tt := triptimes.FromSchedule(trip, st, d)
			mu.Lock()
			out[trip.TripID] = tt
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, BuildStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, BuildStats{}, err
	}

	stats := BuildStats{Trips: len(out), Skipped: int(skipped.Load())}
	return New(generation, out), stats, nil
}
