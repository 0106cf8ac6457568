package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metric collectors for the worker.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	dispatchesTotal   *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	revokedTotal      *prometheus.CounterVec

	rateLimitAdmissionTotal *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	overlapLeases *prometheus.GaugeVec

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	workersActive prometheus.Gauge
	uptimeSeconds prometheus.GaugeFunc
}

var (
	promMetrics     *PrometheusMetrics
	promMetricsOnce sync.Once
	promMetricsMu   sync.RWMutex
)

// NewPrometheusMetrics builds a fresh set of Prometheus collectors registered
// against a dedicated registry (never the global DefaultRegisterer, so tests
// and multiple worker instances in one process don't collide).
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		registry: reg,

		dispatchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "dispatches_total",
			Help:      "Total task dispatches by task name, queue and outcome.",
		}, []string{"task", "queue", "outcome"}),

		dispatchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "dispatch_duration_ms",
			Help:      "Handler execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"task", "queue"}),

		retriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Total retry reschedules by task name.",
		}, []string{"task"}),

		deadLetteredTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "dead_lettered_total",
			Help:      "Total messages moved to the dead-letter queue by task name.",
		}, []string{"task"}),

		revokedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "revoked_total",
			Help:      "Total dispatches skipped because the message was revoked.",
		}, []string{"task"}),

		rateLimitAdmissionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "rate_limit_admission_total",
			Help:      "Rate-limit gate decisions by task name and result (allowed|throttled).",
		}, []string{"task", "result"}),

		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dotcelery",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Pending message count per queue, as last observed by the worker poll loop.",
		}, []string{"queue"}),

		overlapLeases: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "overlap_leases_active",
			Help:      "Held prevent-overlapping leases per task name.",
		}, []string{"task"}),

		circuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per task name (0=closed, 1=half_open, 2=open).",
		}, []string{"task"}),

		circuitBreakerTripsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker state transitions by task name and destination state.",
		}, []string{"task", "to_state"}),

		workersActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "dotcelery",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Number of worker goroutines currently executing a task.",
		}),
	}

	pm.uptimeSeconds = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dotcelery",
		Subsystem: "worker",
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics subsystem was initialized.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	return pm
}

// Default lazily builds and returns the process-wide Prometheus metrics instance.
func Default() *PrometheusMetrics {
	promMetricsOnce.Do(func() {
		promMetricsMu.Lock()
		defer promMetricsMu.Unlock()
		promMetrics = NewPrometheusMetrics()
	})
	promMetricsMu.RLock()
	defer promMetricsMu.RUnlock()
	return promMetrics
}

// Handler returns an http.Handler that serves the Prometheus text exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordDispatch records a dispatch outcome.
func (pm *PrometheusMetrics) RecordDispatch(taskName, queue, outcome string, durationMs int64) {
	pm.dispatchesTotal.WithLabelValues(taskName, queue, outcome).Inc()
	pm.dispatchDuration.WithLabelValues(taskName, queue).Observe(float64(durationMs))

	switch outcome {
	case "retry_scheduled":
		pm.retriesTotal.WithLabelValues(taskName).Inc()
	case "dead_lettered":
		pm.deadLetteredTotal.WithLabelValues(taskName).Inc()
	case "revoked":
		pm.revokedTotal.WithLabelValues(taskName).Inc()
	}
}

// SetQueueDepth records the observed pending-message count for a queue.
func (pm *PrometheusMetrics) SetQueueDepth(queue string, depth int) {
	pm.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetOverlapLeasesActive records the held overlap-lease count for a task name.
func (pm *PrometheusMetrics) SetOverlapLeasesActive(taskName string, count int) {
	pm.overlapLeases.WithLabelValues(taskName).Set(float64(count))
}

// RecordRateLimitAdmission records a rate-limit gate decision.
func (pm *PrometheusMetrics) RecordRateLimitAdmission(taskName string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "throttled"
	}
	pm.rateLimitAdmissionTotal.WithLabelValues(taskName, result).Inc()
}

// SetWorkersActive records the current count of busy worker goroutines.
func (pm *PrometheusMetrics) SetWorkersActive(n int) {
	pm.workersActive.Set(float64(n))
}

// SyncCircuitBreakers reflects a breaker registry snapshot onto the state gauge.
// Called periodically by the worker pool's reporting loop, since breaker state
// changes are not individually observable from the metrics package.
func (pm *PrometheusMetrics) SyncCircuitBreakers(snapshot map[string]string) {
	for task, state := range snapshot {
		var v float64
		switch state {
		case circuitbreaker.StateClosed.String():
			v = 0
		case circuitbreaker.StateHalfOpen.String():
			v = 1
		case circuitbreaker.StateOpen.String():
			v = 2
		}
		pm.circuitBreakerState.WithLabelValues(task).Set(v)
	}
}

// RecordCircuitBreakerTrip records a breaker state transition.
func (pm *PrometheusMetrics) RecordCircuitBreakerTrip(taskName, toState string) {
	pm.circuitBreakerTripsTotal.WithLabelValues(taskName, toState).Inc()
}

// Package-level convenience wrappers so the in-process Metrics struct
// (metrics.go) can feed the Prometheus store from the same call sites
// without every caller needing to thread a *PrometheusMetrics through.

func RecordPrometheusDispatch(taskName, queue, outcome string, durationMs int64) {
	Default().RecordDispatch(taskName, queue, outcome, durationMs)
}

func SetPrometheusQueueDepth(queue string, depth int) {
	Default().SetQueueDepth(queue, depth)
}

func SetPrometheusOverlapLeases(taskName string, count int) {
	Default().SetOverlapLeasesActive(taskName, count)
}

func RecordPrometheusRateLimitAdmission(taskName string, allowed bool) {
	Default().RecordRateLimitAdmission(taskName, allowed)
}
