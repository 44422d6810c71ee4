package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveControllers prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Mutations         *prometheus.CounterVec
	GatewayCalls      *prometheus.CounterVec
	GatewayLatency    *prometheus.HistogramVec
	Notifications     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveControllers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_controllers",
			Help:      "Number of hosted session controllers.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session actions and snapshots by type.",
		}, []string{"event"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_mutations_total",
			Help:      "Session store writes by op and result.",
		}, []string{"op", "result"}),
		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Text-generation calls by call type and result.",
		}, []string{"call", "result"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_ms",
			Help:      "Text-generation latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"call"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Partner notifications by type and result.",
		}, []string{"type", "result"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMutation(op, result string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveGateway(call, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(call, result).Inc()
	m.GatewayLatency.WithLabelValues(call).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveNotification(kind, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveWS(direction, kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) SetActiveControllers(n int) {
	if m == nil {
		return
	}
	m.ActiveControllers.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
