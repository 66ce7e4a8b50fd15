package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives event bus instrumentation.
type Metrics interface {
	EventPublished(q Queue)
	EventBuffered(q Queue)
	EventDropped(q Queue, reason string)
	EventSpilled(q Queue)
	PublishLatency(q Queue, d time.Duration)
	CircuitStateChanged(s CircuitState)
	HandlerResult(q Queue, role, outcome string)
	BufferDepth(n int)
}

// Reasons passed to Metrics.EventDropped.
const (
	DropEvicted   = "evicted"
	DropDiskWrite = "disk_write"
	DropHandler   = "handler_error"
	DropShutdown  = "shutdown"
	DropInvalid   = "invalid"
)

// Outcomes passed to Metrics.HandlerResult.
const (
	OutcomeAck  = "ack"
	OutcomeNack = "nack"
)

// PrometheusMetrics implements Metrics with Prometheus.
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	buffered  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	spilled   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	handled   *prometheus.CounterVec
	circuit   prometheus.Gauge
	depth     prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the collectors on registerer, or on
// the default registerer when nil.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_events_published_total",
				Help: "Events accepted by the broker.",
			},
			[]string{"queue"},
		),
		buffered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_events_buffered_total",
				Help: "Events placed in the in-memory offline buffer.",
			},
			[]string{"queue"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_events_dropped_total",
				Help: "Events lost, by reason.",
			},
			[]string{"queue", "reason"},
		),
		spilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_events_spilled_total",
				Help: "Events appended to the disk overflow log.",
			},
			[]string{"queue"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventbus_publish_latency_seconds",
				Help:    "Latency of successful publishes, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_handler_results_total",
				Help: "Consumer handler outcomes.",
			},
			[]string{"queue", "role", "outcome"},
		),
		circuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_circuit_state",
			Help: "Publisher circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_buffer_depth",
			Help: "Events currently held in the offline buffer.",
		}),
	}
	registerer.MustRegister(m.published, m.buffered, m.dropped, m.spilled, m.latency, m.handled, m.circuit, m.depth)
	return m
}

func (m *PrometheusMetrics) EventPublished(q Queue) {
	m.published.WithLabelValues(string(q)).Inc()
}

func (m *PrometheusMetrics) EventBuffered(q Queue) {
	m.buffered.WithLabelValues(string(q)).Inc()
}

func (m *PrometheusMetrics) EventDropped(q Queue, reason string) {
	m.dropped.WithLabelValues(string(q), reason).Inc()
}

func (m *PrometheusMetrics) EventSpilled(q Queue) {
	m.spilled.WithLabelValues(string(q)).Inc()
}

func (m *PrometheusMetrics) PublishLatency(q Queue, d time.Duration) {
	m.latency.WithLabelValues(string(q)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) CircuitStateChanged(s CircuitState) {
	m.circuit.Set(float64(s))
}

func (m *PrometheusMetrics) HandlerResult(q Queue, role, outcome string) {
	m.handled.WithLabelValues(string(q), role, outcome).Inc()
}

func (m *PrometheusMetrics) BufferDepth(n int) {
	m.depth.Set(float64(n))
}

// nopMetrics discards everything.
type nopMetrics struct{}

func (nopMetrics) EventPublished(Queue)                {}
func (nopMetrics) EventBuffered(Queue)                 {}
func (nopMetrics) EventDropped(Queue, string)          {}
func (nopMetrics) EventSpilled(Queue)                  {}
func (nopMetrics) PublishLatency(Queue, time.Duration) {}
func (nopMetrics) CircuitStateChanged(CircuitState)    {}
func (nopMetrics) HandlerResult(Queue, string, string) {}
func (nopMetrics) BufferDepth(int)                     {}
