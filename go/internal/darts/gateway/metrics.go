package gateway

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mcdev12/deadeye/go/internal/darts/events"
)

const metricsNamespace = "deadeye"

// Metrics holds the relay's Prometheus collectors
type Metrics struct {
	dartThrows        *prometheus.CounterVec
	droppedMessages   *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	sinkFailures      *prometheus.CounterVec
	connectAttempts   *prometheus.CounterVec
	subscribers       prometheus.Gauge
	upstreamConnected prometheus.Gauge
}

// NewMetrics registers the relay collectors with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		dartThrows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "dart_throws_total",
			Help:      "Dart throws forwarded to subscribers, by event kind.",
		}, []string{"kind"}),
		droppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "dropped_messages_total",
			Help:      "Upstream messages that produced no dart throw, by reason.",
		}, []string{"reason"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be handed to a subscriber.",
		}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "sink_failures_total",
			Help:      "Dart throws not published to a sink, by reason.",
		}, []string{"reason"}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "connect_attempts_total",
			Help:      "Upstream connection attempts, by transport and result.",
		}, []string{"transport", "result"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently registered downstream subscribers.",
		}),
		upstreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "1 while the upstream session is live.",
		}),
	}
}

func (m *Metrics) dartThrown(kind events.EventKind) {
	m.dartThrows.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) dropped(err error) {
	reason := "malformed"
	if errors.Is(err, events.ErrUnknownEventKind) {
		reason = "unknown_kind"
	}
	m.droppedMessages.WithLabelValues(reason).Inc()
}

func (m *Metrics) deliveryFailed() {
	m.deliveryFailures.Inc()
}

func (m *Metrics) sinkDropped() {
	m.sinkFailures.WithLabelValues("queue_full").Inc()
}

func (m *Metrics) sinkFailed() {
	m.sinkFailures.WithLabelValues("publish_error").Inc()
}

func (m *Metrics) connectAttempt(transport string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) setSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

func (m *Metrics) setUpstreamConnected(connected bool) {
	if connected {
		m.upstreamConnected.Set(1)
		return
	}
	m.upstreamConnected.Set(0)
}
