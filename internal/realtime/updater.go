package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gtfs-timetable/internal/timetable"
	"gtfs-timetable/internal/triptimes"
)

var (
	ErrNoTimetable = errors.New("no timetable published yet")
	ErrSuperseded  = errors.New("timetable replaced during update cycle")
)

// Sink receives every overlay accepted by a cycle.
type Sink interface {
	PublishTripTimes(cycleID string, at time.Time, tt *triptimes.TripTimes) error
}

type Metrics interface {
	CycleObserve(d time.Duration, err error)
	ApplyRecord(res ApplyResult)
}

type Updater struct {
	store    *timetable.Store
	fetcher  *Fetcher
	applier  *Applier
	source   string
	interval time.Duration
	sink     Sink
	metrics  Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while the loop runs
	wg     sync.WaitGroup
}

// NewUpdater wires a cycle that reads source every interval. sink and m may
// be nil.
func NewUpdater(store *timetable.Store, fetcher *Fetcher, applier *Applier, source string, interval time.Duration, sink Sink, m Metrics, logger *slog.Logger) *Updater {
	return &Updater{
		store:    store,
		fetcher:  fetcher,
		applier:  applier,
		source:   source,
		interval: interval,
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "realtime_updater"),
	}
}

// Start launches the background loop. The first cycle runs immediately.
// Starting a running Updater does nothing.
func (u *Updater) Start(parent context.Context) {
	if u.interval <= 0 || u.source == "" {
		u.logger.Info("real-time updates disabled")
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.logger.Warn("updater already running")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	u.cancel = cancel
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		_, _ = u.RunOnce(ctx)
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = u.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for a running cycle. The Updater can be
// started again afterwards.
func (u *Updater) Stop() {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	u.wg.Wait()
}

// RunOnce performs one fetch-decode-apply-publish cycle. Errors are logged
// and returned; the previously published timetable stays current.
func (u *Updater) RunOnce(ctx context.Context) (ApplyResult, error) {
	cycleID := uuid.NewString()
	log := u.logger.With("cycle_id", cycleID)
	start := time.Now()

	res, err := u.cycle(ctx, cycleID, log)
	d := time.Since(start)
	if u.metrics != nil {
		u.metrics.CycleObserve(d, err)
		if err == nil {
			u.metrics.ApplyRecord(res)
		}
	}
	if err != nil {
		log.Warn("update cycle failed", "err", err, "duration", d)
		return res, err
	}
	log.Info("update cycle done",
		"trip_updates", res.TripUpdates,
		"applied", res.Applied,
		"canceled", res.Canceled,
		"rejected", res.Rejected,
		"unknown_trips", res.UnknownTrips,
		"skipped_stops", res.SkippedStops,
		"out_of_range", res.OutOfRange,
		"duration", d,
	)
	return res, nil
}

func (u *Updater) cycle(ctx context.Context, cycleID string, log *slog.Logger) (ApplyResult, error) {
	cur := u.store.Current()
	if cur == nil {
		return ApplyResult{}, ErrNoTimetable
	}
	b, err := u.fetcher.Fetch(ctx, u.source)
	if err != nil {
		return ApplyResult{}, err
	}
	fm, err := Decode(b)
	if err != nil {
		return ApplyResult{}, err
	}

	overlays, res := u.applier.Apply(cur, fm)
	next := cur.WithRealtime(overlays)
	if !u.store.CompareAndSwap(cur, next) {
		return res, ErrSuperseded
	}

	if u.sink != nil {
		failed := 0
		for _, id := range next.RealtimeTripIDs() {
			tt, _ := next.Get(id)
			if err := u.sink.PublishTripTimes(cycleID, next.UpdatedAt, tt); err != nil {
				failed++
			}
		}
		if failed > 0 {
			log.Warn("publishing overlays failed", "failed", failed, "total", next.RealtimeLen())
		}
	}
	return res, nil
}
