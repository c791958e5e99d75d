package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by every Supervisor in a process.
// Series are labelled by venue.
type Metrics struct {
	state          *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	events         *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	pendingDropped *prometheus.CounterVec
	watcherDropped *prometheus.CounterVec
	watchers       *prometheus.GaugeVec
	keys           *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookstream_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error).",
		}, []string{"venue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookstream_reconnects_total",
			Help: "Reconnect attempts scheduled.",
		}, []string{"venue"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookstream_events_total",
			Help: "Normalized events by kind.",
		}, []string{"venue", "kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookstream_protocol_errors_total",
			Help: "Inbound frames that could not be parsed.",
		}, []string{"venue"}),
		pendingDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookstream_pending_dropped_total",
			Help: "Buffered pre-snapshot events evicted on overflow.",
		}, []string{"venue"}),
		watcherDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookstream_watcher_dropped_total",
			Help: "Book states evicted from slow watcher buffers.",
		}, []string{"venue"}),
		watchers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookstream_watchers",
			Help: "Live watchers.",
		}, []string{"venue"}),
		keys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookstream_subscriptions",
			Help: "Topics in the subscription registry.",
		}, []string{"venue"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.state,
			m.reconnects,
			m.events,
			m.protocolErrors,
			m.pendingDropped,
			m.watcherDropped,
			m.watchers,
			m.keys,
		)
	}
	return m
}

// venueMetrics are the children of Metrics for one venue.
type venueMetrics struct {
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	events         *prometheus.CounterVec
	protocolErrors prometheus.Counter
	pendingDropped prometheus.Counter
	watcherDropped prometheus.Counter
	watchers       prometheus.Gauge
	keys           prometheus.Gauge
}

func (m *Metrics) forVenue(venue string) *venueMetrics {
	return &venueMetrics{
		state:          m.state.WithLabelValues(venue),
		reconnects:     m.reconnects.WithLabelValues(venue),
		events:         m.events.MustCurryWith(prometheus.Labels{"venue": venue}),
		protocolErrors: m.protocolErrors.WithLabelValues(venue),
		pendingDropped: m.pendingDropped.WithLabelValues(venue),
		watcherDropped: m.watcherDropped.WithLabelValues(venue),
		watchers:       m.watchers.WithLabelValues(venue),
		keys:           m.keys.WithLabelValues(venue),
	}
}

func (v *venueMetrics) event(kind EventKind) {
	v.events.WithLabelValues(kind.String()).Inc()
}
