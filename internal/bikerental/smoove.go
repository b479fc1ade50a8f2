// Package bikerental reads bike-share station availability from a Smoove
// station feed.
package bikerental

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

const (
	DefaultNetwork = "Smoove"
	stateOn        = "Station on"
)

type Station struct {
	ID              string
	Name            string
	State           string
	Networks        []string
	Lat             float64
	Lon             float64
	BikesAvailable  int
	SpacesAvailable int
	Operative       bool
}

type smooveRecord struct {
	Name        string `json:"name"`
	Operative   bool   `json:"operative"`
	Coordinates string `json:"coordinates"`
	Style       string `json:"style"`
	AvlBikes    int    `json:"avl_bikes"`
	FreeSlots   int    `json:"free_slots"`
	TotalSlots  int    `json:"total_slots"`
}

// Parse decodes a {"result": [...]} document. Records that cannot be turned
// into a station are logged and skipped.
func Parse(b []byte, network string, logger *slog.Logger) ([]Station, error) {
	if network == "" {
		network = DefaultNetwork
	}
	var doc struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode smoove feed: %w", err)
	}

	out := make([]Station, 0, len(doc.Result))
	for _, raw := range doc.Result {
		st, err := parseStation(raw, network)
		if err != nil {
			logger.Info("skipping bike rental station", "err", err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func parseStation(raw json.RawMessage, network string) (Station, error) {
	var r smooveRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return Station{}, err
	}
	id, name := splitName(r.Name)
	if id == "" {
		return Station{}, fmt.Errorf("station without id: %q", r.Name)
	}
	if name == "" {
		name = id
	}

	latS, lonS, ok := strings.Cut(r.Coordinates, ",")
	if !ok {
		return Station{}, fmt.Errorf("station %s: bad coordinates %q", id, r.Coordinates)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return Station{}, fmt.Errorf("station %s: bad latitude: %w", id, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return Station{}, fmt.Errorf("station %s: bad longitude: %w", id, err)
	}

	st := Station{
		ID:        id,
		Name:      name,
		State:     r.Style,
		Networks:  []string{network},
		Lat:       lat,
		Lon:       lon,
		Operative: r.Operative,
	}
	// counts are only reported for stations that are switched on
	if r.Style == stateOn {
		st.BikesAvailable = r.AvlBikes
		st.SpacesAvailable = r.FreeSlots
	}
	return st, nil
}

// splitName splits "004 Hamn" into the id "004" and the name "Hamn".
func splitName(s string) (id, name string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

type Fetcher interface {
	Fetch(ctx context.Context, urlOrPath string) ([]byte, error)
}

// Poller keeps the stations of the last successful poll.
type Poller struct {
	fetcher  Fetcher
	url      string
	network  string
	interval time.Duration
	onUpdate func(stations []Station)
	logger   *slog.Logger

	stations atomic.Pointer[[]Station]

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while polling
	wg     sync.WaitGroup
}

// NewPoller returns a poller for url. onUpdate, if set, runs after every
// successful poll.
func NewPoller(f Fetcher, url, network string, interval time.Duration, onUpdate func([]Station), logger *slog.Logger) *Poller {
	return &Poller{
		fetcher:  f,
		url:      url,
		network:  network,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logger.With("component", "bike_rental"),
	}
}

func (p *Poller) Stations() []Station {
	if s := p.stations.Load(); s != nil {
		return *s
	}
	return nil
}

func (p *Poller) Update(ctx context.Context) error {
	b, err := p.fetcher.Fetch(ctx, p.url)
	if err != nil {
		return err
	}
	stations, err := Parse(b, p.network, p.logger)
	if err != nil {
		return err
	}
	p.stations.Store(&stations)
	if p.onUpdate != nil {
		p.onUpdate(stations)
	}
	p.logger.Debug("bike rental stations updated", "stations", len(stations))
	return nil
}

// Start polls every interval until Stop. A second Start before Stop does
// nothing.
func (p *Poller) Start(parent context.Context) {
	if p.interval <= 0 || p.url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			if err := p.Update(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("bike rental update failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
