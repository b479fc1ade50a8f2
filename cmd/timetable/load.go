package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gtfs-timetable/internal/capability"
	"gtfs-timetable/internal/config"
	"gtfs-timetable/internal/db"
	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/metrics"
	"gtfs-timetable/internal/timetable"
)

type loader struct {
	location *time.Location
	workers  int
	caps     *capability.Table
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// load builds generation from the trips running today. Every generation gets
// its own interner so sequences of a replaced generation can be collected.
func (l *loader) load(ctx context.Context, sqlDB *sql.DB, generation uint64) (*timetable.Timetable, string, error) {
	start := time.Now()
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	day := now().In(l.location)
	y, m, d := day.Date()
	day = time.Date(y, m, d, 0, 0, 0, 0, l.location)

	rows, err := db.LoadDay(ctx, sqlDB, day)
	if err != nil {
		return nil, "", fmt.Errorf("load service day %s: %w", day.Format("2006-01-02"), err)
	}
	if len(rows.Trips) == 0 {
		l.logger.Warn("no active trips", "day", day.Format("2006-01-02"))
	}

	interner := dedup.New()
	tt, stats, err := timetable.Build(ctx, generation, rows.Trips, rows.StopTimes, interner, l.workers)
	if err != nil {
		return nil, "", fmt.Errorf("build timetable: %w", err)
	}
	l.caps.Replace(capability.FromTrips(rows.Trips))

	is := interner.Stats()
	l.logger.Info("timetable loaded",
		"generation", generation,
		"day", day.Format("2006-01-02"),
		"trips", stats.Trips,
		"skipped", stats.Skipped,
		"interned", is.Entries,
		"interner_hits", is.Hits,
		"duration", time.Since(start),
	)
	if l.metrics != nil {
		recordLoad(l.metrics, generation, stats, is, time.Since(start))
	}
	return tt, day.Format("2006-01-02"), nil
}

// database is one open timetable database.
type database interface {
	Ping(ctx context.Context) error
	Close() error
}

type pgDatabase struct{ *sql.DB }

func (p *pgDatabase) Ping(ctx context.Context) error { return db.Ping(ctx, p.DB) }

// reloadSource is what the watcher needs from Postgres.
type reloadSource interface {
	// Resolve returns the DSN and name of the latest import of the city.
	Resolve(ctx context.Context) (dsn, name string, err error)
	// Open connects to dsn and checks that it answers.
	Open(ctx context.Context, dsn string) (database, error)
	Load(ctx context.Context, d database, generation uint64) (*timetable.Timetable, string, error)
}

type pgSource struct {
	cfg    *config.Config
	loader *loader
}

func (s *pgSource) Resolve(ctx context.Context) (string, string, error) {
	return db.ResolveCityDSN(ctx, s.cfg.DatabaseURL, s.cfg.City)
}

func (s *pgSource) Open(ctx context.Context, dsn string) (database, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &pgDatabase{sqlDB}, nil
}

func (s *pgSource) Load(ctx context.Context, d database, generation uint64) (*timetable.Timetable, string, error) {
	pg, ok := d.(*pgDatabase)
	if !ok {
		return nil, "", fmt.Errorf("unexpected database %T", d)
	}
	return s.loader.load(ctx, pg.DB, generation)
}

// watcher reloads the timetable when the service day changes, when a newer
// import of the city database appears, or when the current database stops
// answering.
type watcher struct {
	cfg       *config.Config
	src       reloadSource
	store     *timetable.Store
	db        database
	dbName    string
	loadedDay string
	now       func() time.Time
	metrics   *metrics.Collector
	logger    *slog.Logger
}

func (w *watcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, _ = w.check(ctx)
	}
}

// check reloads when needed and returns why: ping_failure, update or
// new_day. An empty reason means nothing was due. On error the current
// timetable and database stay in place.
func (w *watcher) check(ctx context.Context) (string, error) {
	var reason string

	// 1) Ping current DB; if it fails, force re-resolve
	pingErr := w.db.Ping(ctx)
	if pingErr != nil {
		w.logger.Warn("db ping failed", "err", pingErr)
		reason = "ping_failure"
	}

	// 2) Re-resolve latest import, compare db_name
	targetDSN, targetName := "", w.dbName
	if w.cfg.City != "" {
		dsn, name, err := w.src.Resolve(ctx)
		if err != nil {
			w.logger.Warn("resolve latest import", "err", err)
			return reason, err
		}
		if name != w.dbName || pingErr != nil {
			targetDSN, targetName = dsn, name
		}
		if name != w.dbName {
			w.logger.Info("detected updated city database", "city", w.cfg.City, "from", w.dbName, "to", name)
			reason = "update"
		}
	} else if pingErr != nil {
		targetDSN = w.cfg.DatabaseURL
	}

	// 3) Service day rollover
	if reason == "" {
		now := w.now
		if now == nil {
			now = time.Now
		}
		if now().In(w.cfg.Location).Format("2006-01-02") != w.loadedDay {
			reason = "new_day"
		}
	}
	if reason == "" {
		return "", nil
	}

	next := w.db
	if targetDSN != "" {
		d, err := w.src.Open(ctx, targetDSN)
		if err != nil {
			w.logger.Warn("open new db", "err", err)
			return reason, err
		}
		next = d
	}

	cur := w.store.Current()
	tt, day, err := w.src.Load(ctx, next, cur.Generation+1)
	if err != nil {
		w.logger.Warn("reload failed, keeping current timetable", "reason", reason, "err", err)
		if next != w.db {
			_ = next.Close()
		}
		return reason, err
	}
	w.store.Publish(tt)
	if w.metrics != nil {
		w.metrics.DBSwitches.WithLabelValues(reason).Inc()
	}
	if next != w.db {
		_ = w.db.Close()
		w.db, w.dbName = next, targetName
	}
	w.loadedDay = day
	w.logger.Info("timetable replaced", "reason", reason, "generation", tt.Generation, "db", w.dbName)
	return reason, nil
}
