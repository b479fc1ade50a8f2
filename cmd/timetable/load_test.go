package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-timetable/internal/config"
	"gtfs-timetable/internal/metrics"
	"gtfs-timetable/internal/timetable"
)

type fakeDatabase struct {
	dsn     string
	pingErr error
	closed  bool
}

func (f *fakeDatabase) Ping(context.Context) error { return f.pingErr }

func (f *fakeDatabase) Close() error {
	f.closed = true
	return nil
}

type fakeSource struct {
	latest     string // name of the newest city import
	resolveErr error
	openErr    error
	loadErr    error
	day        string

	opened []*fakeDatabase
	loaded []database
}

func (f *fakeSource) Resolve(context.Context) (string, string, error) {
	if f.resolveErr != nil {
		return "", "", f.resolveErr
	}
	return "postgres://db/" + f.latest, f.latest, nil
}

func (f *fakeSource) Open(_ context.Context, dsn string) (database, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	d := &fakeDatabase{dsn: dsn}
	f.opened = append(f.opened, d)
	return d, nil
}

func (f *fakeSource) Load(_ context.Context, d database, generation uint64) (*timetable.Timetable, string, error) {
	if f.loadErr != nil {
		return nil, "", f.loadErr
	}
	f.loaded = append(f.loaded, d)
	return timetable.New(generation, nil), f.day, nil
}

// 2024-01-15 10:00 UTC
var watchNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestWatcher(city string, src *fakeSource) (*watcher, *fakeDatabase, *metrics.Collector) {
	cur := &fakeDatabase{dsn: "postgres://db/hel_1"}
	mcol := metrics.NewCollector(time.Second)
	w := &watcher{
		cfg:       &config.Config{DatabaseURL: "postgres://db/base", City: city, Location: time.UTC},
		src:       src,
		store:     timetable.NewStore(timetable.New(1, nil)),
		db:        cur,
		dbName:    "hel_1",
		loadedDay: "2024-01-15",
		now:       func() time.Time { return watchNow },
		metrics:   mcol,
		logger:    slog.New(slog.DiscardHandler),
	}
	return w, cur, mcol
}

func TestWatcher_NothingDue(t *testing.T) {
	src := &fakeSource{latest: "hel_1", day: "2024-01-15"}
	w, cur, _ := newTestWatcher("hel", src)

	reason, err := w.check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, uint64(1), w.store.Current().Generation)
	assert.Empty(t, src.opened)
	assert.False(t, cur.closed)
}

func TestWatcher_NewDay(t *testing.T) {
	src := &fakeSource{latest: "hel_1", day: "2024-01-16"}
	w, cur, mcol := newTestWatcher("hel", src)
	w.now = func() time.Time { return watchNow.Add(24 * time.Hour) }

	reason, err := w.check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new_day", reason)
	assert.Equal(t, uint64(2), w.store.Current().Generation)
	assert.Equal(t, "2024-01-16", w.loadedDay)

	// same database, reloaded in place
	assert.Empty(t, src.opened)
	require.Len(t, src.loaded, 1)
	assert.Same(t, cur, src.loaded[0])
	assert.False(t, cur.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.DBSwitches.WithLabelValues("new_day")))
}

func TestWatcher_UpdatedCityDatabase(t *testing.T) {
	src := &fakeSource{latest: "hel_2", day: "2024-01-15"}
	w, cur, mcol := newTestWatcher("hel", src)

	reason, err := w.check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "update", reason)
	assert.Equal(t, uint64(2), w.store.Current().Generation)

	require.Len(t, src.opened, 1)
	assert.Equal(t, "postgres://db/hel_2", src.opened[0].dsn)
	assert.Same(t, src.opened[0], w.db)
	assert.Equal(t, "hel_2", w.dbName)
	assert.True(t, cur.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.DBSwitches.WithLabelValues("update")))
}

func TestWatcher_PingFailure(t *testing.T) {
	t.Run("city", func(t *testing.T) {
		src := &fakeSource{latest: "hel_1", day: "2024-01-15"}
		w, cur, mcol := newTestWatcher("hel", src)
		cur.pingErr = errors.New("connection refused")

		reason, err := w.check(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ping_failure", reason)
		require.Len(t, src.opened, 1)
		assert.Equal(t, "postgres://db/hel_1", src.opened[0].dsn)
		assert.Equal(t, "hel_1", w.dbName)
		assert.True(t, cur.closed)
		assert.Equal(t, 1.0, testutil.ToFloat64(mcol.DBSwitches.WithLabelValues("ping_failure")))
	})

	t.Run("fixed database", func(t *testing.T) {
		src := &fakeSource{day: "2024-01-15"}
		w, cur, _ := newTestWatcher("", src)
		cur.pingErr = errors.New("connection refused")

		reason, err := w.check(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ping_failure", reason)
		require.Len(t, src.opened, 1)
		assert.Equal(t, "postgres://db/base", src.opened[0].dsn)
		assert.Same(t, src.opened[0], w.db)
	})
}

func TestWatcher_FailedReloadKeepsCurrent(t *testing.T) {
	src := &fakeSource{latest: "hel_2", loadErr: errors.New("relation trips does not exist")}
	w, cur, mcol := newTestWatcher("hel", src)

	reason, err := w.check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "update", reason)
	assert.Equal(t, uint64(1), w.store.Current().Generation)
	assert.Same(t, cur, w.db)
	assert.Equal(t, "hel_1", w.dbName)
	assert.False(t, cur.closed)
	require.Len(t, src.opened, 1)
	assert.True(t, src.opened[0].closed)
	assert.Equal(t, 0.0, testutil.ToFloat64(mcol.DBSwitches.WithLabelValues("update")))
}

func TestWatcher_ResolveOrOpenFails(t *testing.T) {
	src := &fakeSource{resolveErr: errors.New("no imports")}
	w, _, _ := newTestWatcher("hel", src)
	w.now = func() time.Time { return watchNow.Add(24 * time.Hour) }

	_, err := w.check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), w.store.Current().Generation)

	src = &fakeSource{latest: "hel_2", openErr: errors.New("too many connections")}
	w, cur, _ := newTestWatcher("hel", src)
	reason, err := w.check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "update", reason)
	assert.Same(t, cur, w.db)
	assert.Equal(t, uint64(1), w.store.Current().Generation)
}
