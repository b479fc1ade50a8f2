package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Generation   prometheus.Gauge
	TripsLoaded  prometheus.Gauge
	TripsSkipped prometheus.Gauge
	LoadDuration prometheus.Histogram

	InternerEntries prometheus.Gauge
	InternerHits    prometheus.Gauge
	InternerMisses  prometheus.Gauge

	Cycles          *prometheus.CounterVec // result label: ok|error
	CycleDuration   prometheus.Histogram
	OverlaysApplied prometheus.Counter
	OverlaysActive  prometheus.Gauge
	Rejected        prometheus.Counter
	Canceled        prometheus.Counter
	Skipped         *prometheus.CounterVec // reason label: unknown_trip|unknown_stop|out_of_range

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure|new_day

	BikeStations prometheus.Gauge

	UpdateInterval prometheus.Gauge // seconds
}

func NewCollector(updateInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_generation",
			Help: "Generation of the currently published timetable.",
		}),
		TripsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_trips_loaded",
			Help: "Trips in the current timetable generation.",
		}),
		TripsSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_trips_skipped",
			Help: "Trips without usable stop_times in the last load.",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timetable_load_duration_seconds",
			Help:    "Duration of loading and building a timetable generation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		InternerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_interner_entries",
			Help: "Distinct sequences held by the interner of the current generation.",
		}),
		InternerHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_interner_hits",
			Help: "Interner lookups answered with an existing sequence.",
		}),
		InternerMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_interner_misses",
			Help: "Interner lookups that stored a new sequence.",
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetable_update_cycles_total",
			Help: "Real-time update cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timetable_update_cycle_duration_seconds",
			Help:    "Duration of a real-time update cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		OverlaysApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_overlays_applied_total",
			Help: "Real-time overlays accepted.",
		}),
		OverlaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_overlays_active",
			Help: "Trips with a real-time overlay in the published timetable.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_overlays_rejected_total",
			Help: "Real-time overlays rejected for non-increasing times.",
		}),
		Canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_trips_canceled_total",
			Help: "Canceled trips seen in accepted overlays.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetable_updates_skipped_total",
			Help: "Trip or stop updates that matched nothing.",
		}, []string{"reason"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetable_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timetable_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetable_db_switches_total",
			Help: "Number of timetable reloads by reason.",
		}, []string{"reason"}),
		BikeStations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_bike_rental_stations",
			Help: "Bike rental stations in the last successful poll.",
		}),
		UpdateInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetable_update_interval_seconds",
			Help: "Real-time update interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Generation, c.TripsLoaded, c.TripsSkipped, c.LoadDuration,
		c.InternerEntries, c.InternerHits, c.InternerMisses,
		c.Cycles, c.CycleDuration, c.OverlaysApplied, c.OverlaysActive,
		c.Rejected, c.Canceled, c.Skipped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DBSwitches, c.BikeStations, c.UpdateInterval,
	)

	c.UpdateInterval.Set(updateInterval.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
