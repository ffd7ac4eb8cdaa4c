package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "renexus_collab"

// Metrics holds the Prometheus instruments for the collaboration server. A
// nil *Metrics is valid and records nothing, so components can be exercised
// in tests without a registry.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections  prometheus.Gauge
	authenticatedUsers prometheus.Gauge
	activeRooms        prometheus.Gauge
	messagesTotal      *prometheus.CounterVec
	broadcastsTotal    prometheus.Counter
	evictionsTotal     *prometheus.CounterVec
	authFailuresTotal  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections",
		}),
		authenticatedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authenticated_users",
			Help:      "Number of users with at least one authenticated connection",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages processed, by type",
		}, []string{"type"}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Connections written to by room broadcasts",
		}),
		evictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections terminated by the server, by reason",
		}, []string{"reason"}),
		authFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "AUTHENTICATE attempts rejected by the verifier",
		}),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

// SetGauges refreshes the user and room gauges from registry counts.
func (m *Metrics) SetGauges(users, rooms int) {
	if m != nil {
		m.authenticatedUsers.Set(float64(users))
		m.activeRooms.Set(float64(rooms))
	}
}

func (m *Metrics) MessageReceived(msgType string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) BroadcastDelivered(count int) {
	if m != nil {
		m.broadcastsTotal.Add(float64(count))
	}
}

func (m *Metrics) ConnectionEvicted(reason string) {
	if m != nil {
		m.evictionsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuthFailed() {
	if m != nil {
		m.authFailuresTotal.Inc()
	}
}
