package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gtfs-timetable/internal/capability"
	"gtfs-timetable/internal/triptimes"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	caps        capability.Source
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url. caps, if not nil, supplies the bike
// access reported with every trip.
func NewNATSPublisher(url, subjectPrefix string, caps capability.Source, logSubjects bool, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats_publisher")
	nc, err := nats.Connect(url,
		nats.Name("gtfs-timetable"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectPrefix, caps: caps, logSubjects: logSubjects, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type StopTimeMessage struct {
	StopID             string `json:"stopId"`
	StopSequence       int    `json:"stopSequence"`
	ScheduledArrival   int    `json:"scheduledArrival"`
	ScheduledDeparture int    `json:"scheduledDeparture"`
	Arrival            *int   `json:"arrival"`
	Departure          *int   `json:"departure"`
}

// TripTimesMessage carries the current times of one trip. Times are seconds
// since the start of the service day; real-time values are null when
// unavailable.
type TripTimesMessage struct {
	TripID    string            `json:"tripId"`
	RouteID   string            `json:"routeId"`
	CycleID   string            `json:"cycleId"`
	Timestamp time.Time         `json:"timestamp"`
	Canceled  bool              `json:"canceled"`
	Bikes     string            `json:"bikesAllowed"`
	Stops     []StopTimeMessage `json:"stops"`
}

func NewTripTimesMessage(cycleID string, at time.Time, tt *triptimes.TripTimes, caps capability.Source) TripTimesMessage {
	trip := tt.Trip()
	bikes := capability.Unknown
	if caps != nil {
		bikes = caps.BikeAccess(trip)
	}
	msg := TripTimesMessage{
		TripID:    trip.TripID,
		RouteID:   trip.RouteID,
		CycleID:   cycleID,
		Timestamp: at,
		Canceled:  tt.IsCanceled(),
		Bikes:     bikes.String(),
		Stops:     make([]StopTimeMessage, tt.NumStops()),
	}
	for i := range msg.Stops {
		st := StopTimeMessage{
			StopID:             tt.StopID(i),
			StopSequence:       tt.StopSequence(i),
			ScheduledArrival:   tt.ScheduledArrival(i),
			ScheduledDeparture: tt.ScheduledDeparture(i),
		}
		if v, ok := tt.LookupArrival(i); ok {
			st.Arrival = &v
		}
		if v, ok := tt.LookupDeparture(i); ok {
			st.Departure = &v
		}
		msg.Stops[i] = st
	}
	return msg
}

// Subject is <prefix>.<route>.<trip>, or <route>.<trip> without a prefix.
func Subject(prefix, routeID, tripID string) string {
	s := fmt.Sprintf("%s.%s", subjectToken(routeID), subjectToken(tripID))
	if prefix = strings.Trim(strings.TrimSpace(prefix), "."); prefix != "" {
		s = prefix + "." + s
	}
	return s
}

func (p *NATSPublisher) PublishTripTimes(cycleID string, at time.Time, tt *triptimes.TripTimes) error {
	msg := NewTripTimesMessage(cycleID, at, tt, p.caps)
	subject := Subject(p.prefix, msg.RouteID, msg.TripID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
