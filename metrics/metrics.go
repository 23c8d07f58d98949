package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config selects where and under which names the collectors register.
type Config struct {
	// Namespace is the metric name prefix (default: "ghostlink").
	Namespace string
	// Subsystem is an optional second prefix.
	Subsystem string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Option configures New.
type Option func(*Config)

// WithNamespace sets the metric namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithSubsystem sets the metric subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

// WithConstLabels sets labels added to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = r }
}

func defaultConfig() Config {
	return Config{
		Namespace: "ghostlink",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Packet kinds used as the "kind" label.
const (
	KindData      = "data"
	KindHandshake = "handshake"
	KindInfo      = "info"
	KindDelayed   = "delayed"
)

// Metrics holds the dispatcher collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	packetsReceived      *prometheus.CounterVec
	packetsSent          prometheus.Counter
	bytesReceived        prometheus.Counter
	bytesSent            prometheus.Counter
	malformedPackets     prometheus.Counter
	connectionsOpened    prometheus.Counter
	connectionsClosed    *prometheus.CounterVec
	handshakeRejects     *prometheus.CounterVec
	challengesThrottled  prometheus.Counter
	activeConnections    prometheus.Gauge
	pendingConnections   prometheus.Gauge
	puzzleDifficulty     prometheus.Gauge
	roundTripTimeSeconds prometheus.Histogram
}

// New creates and registers the collectors. Registration panics on a
// duplicate name, so use a separate registry per dispatcher when running
// several in one process.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}
	gaugeOpts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	return &Metrics{
		packetsReceived: factory.NewCounterVec(
			counterOpts("packets_received_total", "Datagrams received, by kind"),
			[]string{"kind"}),
		packetsSent: factory.NewCounter(
			counterOpts("packets_sent_total", "Datagrams sent")),
		bytesReceived: factory.NewCounter(
			counterOpts("received_bytes_total", "Bytes received")),
		bytesSent: factory.NewCounter(
			counterOpts("sent_bytes_total", "Bytes sent")),
		malformedPackets: factory.NewCounter(
			counterOpts("malformed_packets_total", "Datagrams discarded as malformed or failing the crypto check")),
		connectionsOpened: factory.NewCounter(
			counterOpts("connections_established_total", "Connections that reached the connected state")),
		connectionsClosed: factory.NewCounterVec(
			counterOpts("connections_terminated_total", "Established connections that ended, by reason"),
			[]string{"reason"}),
		handshakeRejects: factory.NewCounterVec(
			counterOpts("handshake_rejects_total", "Connect requests rejected, by reason"),
			[]string{"reason"}),
		challengesThrottled: factory.NewCounter(
			counterOpts("challenges_throttled_total", "Challenge requests ignored by the rate limiter")),
		activeConnections: factory.NewGauge(
			gaugeOpts("active_connections", "Established connections")),
		pendingConnections: factory.NewGauge(
			gaugeOpts("pending_connections", "Connections still in the handshake")),
		puzzleDifficulty: factory.NewGauge(
			gaugeOpts("puzzle_difficulty", "Current client puzzle difficulty in bits")),
		roundTripTimeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "round_trip_time_seconds",
			Help:        "Round trip time estimate of established connections, sampled on each timeout sweep",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

// PacketReceived counts one inbound datagram of the given kind.
func (m *Metrics) PacketReceived(kind string, size int) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(kind).Inc()
	m.bytesReceived.Add(float64(size))
}

// PacketSent counts one outbound datagram.
func (m *Metrics) PacketSent(size int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(size))
}

// MalformedPacket counts a discarded datagram.
func (m *Metrics) MalformedPacket() {
	if m == nil {
		return
	}
	m.malformedPackets.Inc()
}

// ConnectionEstablished counts a new connection.
func (m *Metrics) ConnectionEstablished() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
}

// ConnectionTerminated counts an ended connection.
func (m *Metrics) ConnectionTerminated(reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

// HandshakeRejected counts a rejected connect request.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejects.WithLabelValues(reason).Inc()
}

// ChallengeThrottled counts a challenge request dropped by the rate limiter.
func (m *Metrics) ChallengeThrottled() {
	if m == nil {
		return
	}
	m.challengesThrottled.Inc()
}

// SetConnectionCounts updates the connection gauges.
func (m *Metrics) SetConnectionCounts(active, pending int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(active))
	m.pendingConnections.Set(float64(pending))
}

// SetPuzzleDifficulty updates the difficulty gauge.
func (m *Metrics) SetPuzzleDifficulty(bits uint32) {
	if m == nil {
		return
	}
	m.puzzleDifficulty.Set(float64(bits))
}

// ObserveRoundTripTime records one RTT sample in seconds.
func (m *Metrics) ObserveRoundTripTime(seconds float64) {
	if m == nil {
		return
	}
	m.roundTripTimeSeconds.Observe(seconds)
}
