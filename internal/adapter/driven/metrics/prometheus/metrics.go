// Package prometheus exports engine counters in the Prometheus text format.
package prometheus

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yacall"

// Metrics implements port.Metrics on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	commandsRejected *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened since start.",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages delivered to every recipient, by type.",
		}, []string{"type"}),
		deliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Signaling messages that could not be delivered, by error code.",
		}, []string{"code"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		commandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Rejected commands, by command and error code.",
		}, []string{"command", "code"}),
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	m.sessionsEnded.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) MessageDelivered(t domain.SignalType) {
	m.messagesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) DeliveryFailed(code domain.ErrorCode) {
	m.deliveryFailures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}

func (m *Metrics) CommandRejected(command string, code domain.ErrorCode) {
	m.commandsRejected.WithLabelValues(command, string(code)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
