package kestrel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections *prometheus.CounterVec
	sessions    prometheus.Gauge
	commands    *prometheus.CounterVec
	messages    *prometheus.CounterVec
	auths       *prometheus.CounterVec
	timeouts    prometheus.Counter
}

// NewMetrics registers the server collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_smtp_connections_total",
				Help: "Accepted SMTP connections by admission result.",
			},
			[]string{
				"result", // accepted, rejected
			},
		),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_smtp_sessions",
			Help: "Live SMTP sessions.",
		}),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_smtp_commands_total",
				Help: "SMTP commands received by verb.",
			},
			[]string{"verb"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_smtp_messages_total",
				Help: "DATA transactions by outcome.",
			},
			[]string{
				"result", // accepted, rejected, too_large, aborted
			},
		),
		auths: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_smtp_auth_attempts_total",
				Help: "AUTH attempts by mechanism and result.",
			},
			[]string{
				"mechanism",
				"result", // success, failure, error
			},
		),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_smtp_idle_timeouts_total",
			Help: "Sessions closed for inactivity.",
		}),
	}
}

func (m *Metrics) connection(result string) {
	if m != nil {
		m.connections.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) command(verb string) {
	if m != nil {
		m.commands.WithLabelValues(verb).Inc()
	}
}

func (m *Metrics) message(result string) {
	if m != nil {
		m.messages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) auth(mechanism, result string) {
	if m != nil {
		m.auths.WithLabelValues(mechanism, result).Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}
