// Package metrics collects and exposes worker runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-task counters + time series) for
//     a lightweight JSON /metrics endpoint usable without a Prometheus
//     sidecar.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a single-process deployment introspect itself without
// standing up a scraper while still supporting production monitoring
// stacks.
//
// # Concurrency — hot path
//
// RecordDispatch is called from the pipeline on every dispatch outcome
// and must be as fast as possible. It uses atomic increments for global
// counters and dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously. This
// avoids holding any lock on the hot path.
//
// The per-task TaskMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-task entries is
// read-heavy and write-once-per-new-task-name, which is the ideal use
// case for sync.Map.
//
// # Invariants
//
//   - TotalDispatches == SuccessDispatches + FailedDispatches + Requeued +
//     Revoked, since a requeue (gate blocked, no retry consumed) or a
//     revocation is neither a success nor a failure of the handler.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Dispatches   int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes worker runtime metrics.
type Metrics struct {
	// Dispatch metrics
	TotalDispatches   atomic.Int64
	SuccessDispatches atomic.Int64
	FailedDispatches  atomic.Int64
	RetriesScheduled  atomic.Int64
	DeadLettered      atomic.Int64
	Requeued          atomic.Int64
	Revoked           atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Per-task metrics
	taskMetrics sync.Map // taskName -> *TaskMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// TaskMetrics tracks metrics for a single task name.
type TaskMetrics struct {
	Dispatches atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	Retries    atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordDispatch records a pipeline dispatch outcome (§4.9 n). outcome is
// one of "success", "retry_scheduled", "dead_lettered", "requeued",
// "revoked", "rejected".
func (m *Metrics) RecordDispatch(taskName, queue, outcome string, durationMs int64) {
	m.TotalDispatches.Add(1)

	success := outcome == "success"
	switch outcome {
	case "success":
		m.SuccessDispatches.Add(1)
	case "retry_scheduled":
		m.RetriesScheduled.Add(1)
		m.FailedDispatches.Add(1)
	case "dead_lettered":
		m.DeadLettered.Add(1)
		m.FailedDispatches.Add(1)
	case "requeued":
		m.Requeued.Add(1)
	case "revoked":
		m.Revoked.Add(1)
	default:
		m.FailedDispatches.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	tm := m.getTaskMetrics(taskName)
	tm.Dispatches.Add(1)
	if success {
		tm.Successes.Add(1)
	} else {
		tm.Failures.Add(1)
	}
	if outcome == "retry_scheduled" {
		tm.Retries.Add(1)
	}
	tm.TotalMs.Add(durationMs)
	updateMin(&tm.MinMs, durationMs)
	updateMax(&tm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusDispatch(taskName, queue, outcome, durationMs)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot dispatch path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Dispatches++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// SetQueueDepth records the current pending-message count for a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	SetPrometheusQueueDepth(queue, depth)
}

// SetOverlapLeasesActive records the number of held overlap-prevention leases for a task name.
func (m *Metrics) SetOverlapLeasesActive(taskName string, count int) {
	SetPrometheusOverlapLeases(taskName, count)
}

// RecordRateLimitAdmission records a rate-limit gate decision for a task name.
func (m *Metrics) RecordRateLimitAdmission(taskName string, allowed bool) {
	RecordPrometheusRateLimitAdmission(taskName, allowed)
}

func (m *Metrics) getTaskMetrics(taskName string) *TaskMetrics {
	if v, ok := m.taskMetrics.Load(taskName); ok {
		return v.(*TaskMetrics)
	}

	tm := &TaskMetrics{}
	tm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.taskMetrics.LoadOrStore(taskName, tm)
	return actual.(*TaskMetrics)
}

// GetTaskMetrics returns the metrics for a specific task name (or nil if none recorded yet).
func (m *Metrics) GetTaskMetrics(taskName string) *TaskMetrics {
	if v, ok := m.taskMetrics.Load(taskName); ok {
		return v.(*TaskMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalDispatches.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"dispatches": map[string]interface{}{
			"total":            total,
			"success":          m.SuccessDispatches.Load(),
			"failed":           m.FailedDispatches.Load(),
			"retry_scheduled":  m.RetriesScheduled.Load(),
			"dead_lettered":    m.DeadLettered.Load(),
			"requeued":         m.Requeued.Load(),
			"revoked":          m.Revoked.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// TaskStats returns per-task metrics.
func (m *Metrics) TaskStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.taskMetrics.Range(func(key, value interface{}) bool {
		taskName := key.(string)
		tm := value.(*TaskMetrics)

		total := tm.Dispatches.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(tm.TotalMs.Load()) / float64(total)
		}

		minMs := tm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[taskName] = map[string]interface{}{
			"dispatches": total,
			"successes":  tm.Successes.Load(),
			"failures":   tm.Failures.Load(),
			"retries":    tm.Retries.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     tm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["tasks"] = m.TaskStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"dispatches":   bucket.Dispatches,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
