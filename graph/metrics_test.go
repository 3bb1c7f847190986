package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/stagegraph/graph/store"
)

func TestPrometheusMetrics_IncrementalRuns(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)
	engine := newEngine(t, diamondStages(newRecorder(), 10), WithStore(store.NewMemStore()), WithMetrics(metrics))

	for i := 0; i < 2; i++ {
		if _, err := engine.Run(context.Background(), ExecutionContext{UseCache: true}); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"lookups miss", testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("miss")), 4},
		{"lookups hit", testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("hit")), 4},
		{"lookups error", testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("error")), 0},
		{"writes ok", testutil.ToFloat64(metrics.cacheWrites.WithLabelValues("ok")), 4},
		{"results succeeded", testutil.ToFloat64(metrics.stageResults.WithLabelValues("succeeded")), 4},
		{"results cached", testutil.ToFloat64(metrics.stageResults.WithLabelValues("cached")), 4},
		{"waves", testutil.ToFloat64(metrics.waves), 6},
		{"inflight", testutil.ToFloat64(metrics.inflightStages), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	// Only invoked stages are observed: four series, one per stage.
	if n := testutil.CollectAndCount(metrics.stageLatency); n != 4 {
		t.Errorf("stage_latency_ms series = %d, want 4", n)
	}
}

func TestPrometheusMetrics_Failures(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	faulty := &faultyStore{inner: store.NewMemStore(), putErr: errors.New("full")}
	engine := newEngine(t,
		diamondStages(newRecorder(), 10, Stage{Name: "b", Version: "1", Runner: failing("boom")}),
		WithStore(faulty), WithMetrics(metrics),
	)
	if _, err := engine.Run(context.Background(), ExecutionContext{UseCache: true, FailurePolicy: FailureSkip}); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.stageResults.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed results = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.stageResults.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped results = %v, want 1", got)
	}
	// a and c succeed and fail to persist; b fails and is never written.
	if got := testutil.ToFloat64(metrics.cacheWrites.WithLabelValues("error")); got != 2 {
		t.Errorf("write errors = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(metrics.stageLatency); got != 3 {
		t.Errorf("latency series = %d, want 3", got)
	}
}

func TestPrometheusMetrics_Disable(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	metrics.Disable()
	metrics.IncrementWaves()
	metrics.IncrementCacheLookup("hit")
	if got := testutil.ToFloat64(metrics.waves); got != 0 {
		t.Errorf("waves recorded while disabled: %v", got)
	}

	metrics.Enable()
	metrics.IncrementWaves()
	metrics.IncrementCacheLookup("hit")
	if got := testutil.ToFloat64(metrics.waves); got != 1 {
		t.Errorf("waves = %v, want 1", got)
	}

	metrics.Reset()
	if got := testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("hit")); got != 0 {
		t.Errorf("hit after Reset = %v, want 0", got)
	}
}

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var metrics *PrometheusMetrics
	metrics.IncrementWaves()
	metrics.StageStarted()
	metrics.StageFinished()
	metrics.RecordStageLatency("a", 0, StatusSucceeded)
	metrics.IncrementResults(StatusCached)
	metrics.IncrementCacheLookup("miss")
	metrics.IncrementCacheWrite("ok")
}

func TestPrometheusMetrics_Registration(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewPrometheusMetrics(registry)

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	// Vectors without observations are not gathered; the plain gauge and
	// counter always are.
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"stagegraph_inflight_stages", "stagegraph_waves_total"} {
		if !names[want] {
			t.Errorf("%s not registered", want)
		}
	}
}
