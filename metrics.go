package grpchub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for sessions, on either end. A nil
// *Metrics records nothing.
type Metrics struct {
	sessions      prometheus.Gauge
	invocations   *prometheus.CounterVec
	items         *prometheus.CounterVec
	completions   *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg, under the
// given namespace. If reg is nil, they are registered with the default
// registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of open hub sessions",
		}),
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of hub method invocations",
		}, []string{"method", "shape"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_items_total",
			Help:      "Total number of stream items sent and received",
		}, []string{"direction"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of finished invocations, by terminal state",
		}, []string{"state"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of item streams in flight",
		}),
	}
}

const (
	shapeUnary  = "unary"
	shapeStream = "stream"
	shapeUpload = "upload"

	directionSent     = "sent"
	directionReceived = "received"
)

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

func (m *Metrics) invoked(method, shape string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(method, shape).Inc()
	if shape != shapeUnary {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) completed(shape string, err error) {
	if m == nil {
		return
	}
	if shape != shapeUnary {
		m.activeStreams.Dec()
	}
	m.completions.WithLabelValues(completionState(err).String()).Inc()
}

func (m *Metrics) item(direction string) {
	if m != nil {
		m.items.WithLabelValues(direction).Inc()
	}
}
