package journey

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics for production monitoring.
//
// Metrics exposed (all namespaced "journey_"):
//   - inflight_computations (gauge): workers currently executing
//   - kick_queue_depth (gauge): pending advance signals
//   - kick_overflow_total (counter): kicks that fell back to a
//     synchronous advance because the queue was full
//   - computation_duration_seconds (histogram): worker wall time,
//     labeled by node and status (success/failed)
//   - retries_total (counter): retry successors scheduled, by node
//   - sweep_runs_total (counter): sweep passes, by sweep type
//   - sweep_duration_seconds (histogram): sweep wall time, by type
//
// All methods are safe on a nil receiver, so metrics stay optional.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := journey.NewPrometheusMetrics(registry)
//	eng := journey.New(st, catalog, emitter, journey.Options{Metrics: metrics})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflight      prometheus.Gauge
	kickDepth     prometheus.Gauge
	kickOverflow  prometheus.Counter
	compDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all engine metrics with
// the provided registry. Pass prometheus.DefaultRegisterer for the
// global registry, or a fresh prometheus.NewRegistry() for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "journey",
			Name:      "inflight_computations",
			Help:      "Number of computation workers currently executing.",
		}),
		kickDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "journey",
			Name:      "kick_queue_depth",
			Help:      "Number of pending advance signals in the kick queue.",
		}),
		kickOverflow: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "journey",
			Name:      "kick_overflow_total",
			Help:      "Kicks that fell back to a synchronous advance because the queue was full.",
		}),
		compDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "journey",
			Name:      "computation_duration_seconds",
			Help:      "Computation worker wall time in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "journey",
			Name:      "retries_total",
			Help:      "Retry successors scheduled after failed or abandoned computations.",
		}, []string{"node"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "journey",
			Name:      "sweep_runs_total",
			Help:      "Background sweep passes executed.",
		}, []string{"sweep_type"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "journey",
			Name:      "sweep_duration_seconds",
			Help:      "Background sweep wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"sweep_type"}),
	}
}

func (m *PrometheusMetrics) computationStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *PrometheusMetrics) computationFinished(node, status string, seconds float64) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.compDuration.WithLabelValues(node, status).Observe(seconds)
}

func (m *PrometheusMetrics) retryScheduled(node string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(node).Inc()
}

func (m *PrometheusMetrics) kickQueued(depth int) {
	if m == nil {
		return
	}
	m.kickDepth.Set(float64(depth))
}

func (m *PrometheusMetrics) kickOverflowed() {
	if m == nil {
		return
	}
	m.kickOverflow.Inc()
}

func (m *PrometheusMetrics) sweepRan(sweepType string, seconds float64) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweepType).Inc()
	m.sweepDuration.WithLabelValues(sweepType).Observe(seconds)
}
