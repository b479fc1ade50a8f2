package main

import (
	"time"

	"gtfs-timetable/internal/dedup"
	"gtfs-timetable/internal/metrics"
	"gtfs-timetable/internal/publisher"
	"gtfs-timetable/internal/realtime"
	"gtfs-timetable/internal/timetable"
)

func recordLoad(c *metrics.Collector, generation uint64, stats timetable.BuildStats, is dedup.Stats, d time.Duration) {
	c.Generation.Set(float64(generation))
	c.TripsLoaded.Set(float64(stats.Trips))
	c.TripsSkipped.Set(float64(stats.Skipped))
	c.LoadDuration.Observe(d.Seconds())
	c.InternerEntries.Set(float64(is.Entries))
	c.InternerHits.Set(float64(is.Hits))
	c.InternerMisses.Set(float64(is.Misses))
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapUpdaterMetrics(c *metrics.Collector) realtime.Metrics {
	if c == nil {
		return nil
	}
	return &updaterMetrics{c: c}
}

type updaterMetrics struct{ c *metrics.Collector }

func (u *updaterMetrics) CycleObserve(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	u.c.Cycles.WithLabelValues(result).Inc()
	u.c.CycleDuration.Observe(d.Seconds())
}

func (u *updaterMetrics) ApplyRecord(res realtime.ApplyResult) {
	u.c.OverlaysApplied.Add(float64(res.Applied))
	u.c.OverlaysActive.Set(float64(res.Applied))
	u.c.Rejected.Add(float64(res.Rejected))
	u.c.Canceled.Add(float64(res.Canceled))
	u.c.Skipped.WithLabelValues("unknown_trip").Add(float64(res.UnknownTrips))
	u.c.Skipped.WithLabelValues("unknown_stop").Add(float64(res.SkippedStops))
	u.c.Skipped.WithLabelValues("out_of_range").Add(float64(res.OutOfRange))
}
