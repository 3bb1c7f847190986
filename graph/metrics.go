package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects run metrics for Prometheus.
//
// Metrics exposed (all namespaced with "stagegraph_"):
//
// 1. inflight_stages (gauge): Stages currently being invoked.
// Use: Confirm waves actually run concurrently up to max_workers.
//
// 2. stage_latency_ms (histogram): Invocation duration in milliseconds.
// Labels: stage, status (succeeded/failed).
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000].
//
// 3. stage_results_total (counter): Recorded results.
// Labels: status (succeeded/failed/cached/skipped).
//
// 4. cache_lookups_total (counter): Cache reads.
// Labels: result (hit/miss/error).
//
// 5. cache_writes_total (counter): Cache writes.
// Labels: result (ok/error).
//
// 6. waves_total (counter): Waves executed.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(dag, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe.
type PrometheusMetrics struct {
	inflightStages prometheus.Gauge
	stageLatency   *prometheus.HistogramVec
	stageResults   *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheWrites    *prometheus.CounterVec
	waves          prometheus.Counter

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates the metrics and registers them with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightStages = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stagegraph",
		Name:      "inflight_stages",
		Help:      "Current number of stages being invoked",
	})

	pm.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stagegraph",
		Name:      "stage_latency_ms",
		Help:      "Stage invocation duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"stage", "status"})

	pm.stageResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagegraph",
		Name:      "stage_results_total",
		Help:      "Stage results recorded, by status",
	}, []string{"status"})

	pm.cacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagegraph",
		Name:      "cache_lookups_total",
		Help:      "Cache reads, by result",
	}, []string{"result"})

	pm.cacheWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagegraph",
		Name:      "cache_writes_total",
		Help:      "Cache writes, by result",
	}, []string{"result"})

	pm.waves = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "stagegraph",
		Name:      "waves_total",
		Help:      "Waves executed",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStageLatency observes one invocation.
func (pm *PrometheusMetrics) RecordStageLatency(stage string, latency time.Duration, status Status) {
	if !pm.on() {
		return
	}
	pm.stageLatency.WithLabelValues(stage, string(status)).Observe(float64(latency.Milliseconds()))
}

// IncrementResults counts a recorded result.
func (pm *PrometheusMetrics) IncrementResults(status Status) {
	if !pm.on() {
		return
	}
	pm.stageResults.WithLabelValues(string(status)).Inc()
}

// IncrementCacheLookup counts a cache read with result hit, miss or error.
func (pm *PrometheusMetrics) IncrementCacheLookup(result string) {
	if !pm.on() {
		return
	}
	pm.cacheLookups.WithLabelValues(result).Inc()
}

// IncrementCacheWrite counts a cache write with result ok or error.
func (pm *PrometheusMetrics) IncrementCacheWrite(result string) {
	if !pm.on() {
		return
	}
	pm.cacheWrites.WithLabelValues(result).Inc()
}

// IncrementWaves counts an executed wave.
func (pm *PrometheusMetrics) IncrementWaves() {
	if !pm.on() {
		return
	}
	pm.waves.Inc()
}

// StageStarted increments the inflight gauge.
func (pm *PrometheusMetrics) StageStarted() {
	if !pm.on() {
		return
	}
	pm.inflightStages.Inc()
}

// StageFinished decrements the inflight gauge.
func (pm *PrometheusMetrics) StageFinished() {
	if !pm.on() {
		return
	}
	pm.inflightStages.Dec()
}

// Disable stops recording. Existing values are kept.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears every metric. Intended for tests.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightStages.Set(0)
	pm.stageLatency.Reset()
	pm.stageResults.Reset()
	pm.cacheLookups.Reset()
	pm.cacheWrites.Reset()
}
