// Package metrics defines the Prometheus collectors exported by the relay and
// the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Send failure reasons.
const (
	ReasonClosed     = "closed"
	ReasonBufferFull = "buffer_full"
)

// Keep-alive probe results.
const (
	ProbeSent    = "sent"
	ProbeSkipped = "skipped"
	ProbeFailed  = "failed"
)

// Metrics holds the collectors updated by the registry, relay and connections.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	MessagesReceived    prometheus.Counter
	MessagesRelayed     prometheus.Counter
	MessagesRateLimited prometheus.Counter
	MalformedPayloads   prometheus.Counter
	SendFailures        *prometheus.CounterVec
	KeepAliveProbes     *prometheus.CounterVec
}

// New creates the relay collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of registered WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections registered.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from clients.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total number of per-recipient message deliveries queued.",
		}),
		MessagesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rate_limited_total",
			Help:      "Total number of inbound messages dropped by the per-connection rate limit.",
		}),
		MalformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Total number of relayed payloads that were not a JSON object.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of per-recipient send failures by reason.",
		}, []string{"reason"}),
		KeepAliveProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_probes_total",
			Help:      "Total number of keep-alive probes by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.MessagesRelayed,
		m.MessagesRateLimited,
		m.MalformedPayloads,
		m.SendFailures,
		m.KeepAliveProbes,
	)
	return m
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
