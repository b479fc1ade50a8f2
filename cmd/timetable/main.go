package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gtfs-timetable/internal/bikerental"
	"gtfs-timetable/internal/capability"
	"gtfs-timetable/internal/config"
	"gtfs-timetable/internal/db"
	"gtfs-timetable/internal/metrics"
	"gtfs-timetable/internal/publisher"
	"gtfs-timetable/internal/realtime"
	"gtfs-timetable/internal/timetable"
)

func main() {
	// Load configuration from .env, CONFIG_FILE and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fatal := func(msg string, args ...any) {
		logger.Error(msg, args...)
		cancel()
		os.Exit(1)
	}

	// Resolve latest city database if CITY is set
	dsn, dbName := cfg.DatabaseURL, ""
	if cfg.City != "" {
		dsn, dbName, err = db.ResolveCityDSN(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			fatal("resolve city database", "city", cfg.City, "err", err)
		}
		logger.Info("using city database", "db", dbName, "city", cfg.City)
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		fatal("db open error", "err", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		fatal("db ping error", "err", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var srvDone chan struct{}
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.UpdateInterval())
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		srvDone = make(chan struct{})
		go func() {
			defer close(srvDone)
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	caps := capability.NewTable()
	ld := &loader{
		location: cfg.Location,
		workers:  cfg.LoadWorkers,
		caps:     caps,
		metrics:  mcol,
		logger:   logger.With("component", "loader"),
	}
	tt, loadedDay, err := ld.load(ctx, sqlDB, 1)
	if err != nil {
		fatal("initial timetable load", "err", err)
	}
	store := timetable.NewStore(tt)

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, caps, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger)
	if err != nil {
		fatal("nats error", "err", err)
	}
	defer pub.Close()

	fetcher := realtime.NewFetcher(cfg.FetchTimeout())
	updater := realtime.NewUpdater(store, fetcher,
		realtime.NewApplier(cfg.Location, logger),
		cfg.TripUpdatesURL, cfg.UpdateInterval(),
		pub, wrapUpdaterMetrics(mcol), logger)
	updater.Start(ctx)

	var bikes *bikerental.Poller
	if cfg.BikeRentalURL != "" {
		bikes = bikerental.NewPoller(fetcher, cfg.BikeRentalURL, cfg.BikeRentalNetwork, cfg.BikeRentalInterval(), func(s []bikerental.Station) {
			if mcol != nil {
				mcol.BikeStations.Set(float64(len(s)))
			}
		}, logger)
		bikes.Start(ctx)
	}

	// Periodic reload: new service day, city DB updates, lost connection
	var current database = &pgDatabase{sqlDB}
	var done chan struct{}
	if interval := cfg.DBCheckInterval(); interval > 0 {
		done = make(chan struct{})
		w := &watcher{
			cfg:       cfg,
			src:       &pgSource{cfg: cfg, loader: ld},
			store:     store,
			db:        current,
			dbName:    dbName,
			loadedDay: loadedDay,
			metrics:   mcol,
			logger:    logger.With("component", "db_watcher"),
		}
		go func() {
			defer close(done)
			w.run(ctx, interval)
			current = w.db
		}()
	}

	// Block until context cancelled
	<-ctx.Done()
	updater.Stop()
	if bikes != nil {
		bikes.Stop()
	}
	if done != nil {
		<-done
	}
	if srvDone != nil {
		<-srvDone
	}
	closeDB(current, logger)
	logger.Info("shutdown complete")
}

func closeDB(d database, logger *slog.Logger) {
	if err := d.Close(); err != nil {
		logger.Warn("db close", "err", err)
	}
}
