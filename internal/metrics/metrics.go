// ABOUTME: Prometheus collectors for the relay gateway.
// ABOUTME: A nil *Metrics no-ops so tests and metric-disabled deployments skip registration.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	connectedAgents prometheus.Gauge
	messagesTotal   *prometheus.CounterVec
	broadcastsTotal prometheus.Counter
	pendingRequests prometheus.Gauge
	timeoutsTotal   prometheus.Counter
	sendFailures    prometheus.Counter
}

// New creates and registers the gateway collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaygate_connected_agents",
			Help: "Number of agent connections currently admitted on this instance.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_messages_total",
			Help: "Inbound agent messages processed, by message type.",
		}, []string{"type"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_broadcasts_total",
			Help: "Messages fanned out to a credential group.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaygate_pending_requests",
			Help: "Correlated requests currently awaiting an agent reply.",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_request_timeouts_total",
			Help: "Correlated requests that resolved by timeout.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_send_failures_total",
			Help: "Transport-level send failures to agents.",
		}),
	}
	m.registry.MustRegister(
		m.connectedAgents,
		m.messagesTotal,
		m.broadcastsTotal,
		m.pendingRequests,
		m.timeoutsTotal,
		m.sendFailures,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AgentConnected records an admitted connection.
func (m *Metrics) AgentConnected() {
	if m == nil {
		return
	}
	m.connectedAgents.Inc()
}

// AgentDisconnected records a removed connection.
func (m *Metrics) AgentDisconnected() {
	if m == nil {
		return
	}
	m.connectedAgents.Dec()
}

// MessageReceived records one processed inbound message.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(msgType).Inc()
}

// Broadcast records one group fan-out.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

// PendingAdded records a new correlated request.
func (m *Metrics) PendingAdded() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// PendingRemoved records a resolved, discarded, or evicted request.
func (m *Metrics) PendingRemoved() {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
}

// RequestTimedOut records a timeout resolution.
func (m *Metrics) RequestTimedOut() {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
}

// SendFailed records a transport-level delivery failure.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}
