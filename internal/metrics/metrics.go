// Package metrics exposes the chat server's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so the server can run without
// a metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	MessagesRelayed     *prometheus.CounterVec
	IdentitiesIssued    prometheus.Counter
	ProtocolViolations  prometheus.Counter
	LogBytes            prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatty_connections_active",
				Help: "Open client connections",
			},
		),
		ConnectionsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatty_connections_rejected_total",
				Help: "Connections refused because the connection table was full",
			},
		),
		MessagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_messages_relayed_total",
				Help: "Messages written to push channels",
			},
			[]string{"type"}, // "text" or "presence"
		),
		IdentitiesIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatty_identities_issued_total",
				Help: "Identities assigned by introductions",
			},
		),
		ProtocolViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatty_protocol_violations_total",
				Help: "Connections dropped for protocol violations",
			},
		),
		LogBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatty_log_bytes",
				Help: "Bytes used by the message log",
			},
		),
	}
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.ConnectionsRejected.Inc()
	}
}

// Relayed counts n deliveries of a message of the given kind.
func (m *Metrics) Relayed(kind string, n int) {
	if m != nil && n > 0 {
		m.MessagesRelayed.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) IdentityIssued() {
	if m != nil {
		m.IdentitiesIssued.Inc()
	}
}

func (m *Metrics) Violation() {
	if m != nil {
		m.ProtocolViolations.Inc()
	}
}

// SetLogBytes records the message log usage.
func (m *Metrics) SetLogBytes(n int) {
	if m != nil {
		m.LogBytes.Set(float64(n))
	}
}
