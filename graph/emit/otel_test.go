package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	end := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	emitter.Emit(Event{
		RunID: "run-001",
		Step:  1,
		Stage: "b",
		Msg:   MsgStageEnd,
		Time:  end,
		Meta: map[string]interface{}{
			"duration_ms": int64(250),
			"cache_key":   "00ff",
			"stages":      []string{"b", "c"},
			"forced":      true,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgStageEnd {
		t.Errorf("span name = %q, want %q", span.Name, MsgStageEnd)
	}

	attrs := attributeMap(span.Attributes)
	want := map[string]interface{}{
		"stagegraph.run_id": "run-001",
		"stagegraph.step":   int64(1),
		"stagegraph.stage":  "b",
		"duration_ms":       int64(250),
		"cache_key":         "00ff",
		"forced":            true,
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attribute %s = %v (%T), want %v", k, attrs[k], attrs[k], v)
		}
	}
	if got, ok := attrs["stages"].([]string); !ok || len(got) != 2 {
		t.Errorf("stages attribute = %v", attrs["stages"])
	}

	if !span.EndTime.Equal(end) {
		t.Errorf("end = %v, want %v", span.EndTime, end)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 250*time.Millisecond {
		t.Errorf("span duration = %v, want 250ms", got)
	}
	if span.Status.Code == codes.Error {
		t.Error("successful event recorded as error")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Stage: "b",
		Msg:   MsgStageFailed,
		Time:  time.Now(),
		Meta:  map[string]interface{}{"error": "stage b: boom"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "stage b: boom" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitter_RunLevelEvent(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{RunID: "run-001", Msg: MsgRunStart, Time: time.Now()})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if _, ok := attributeMap(spans[0].Attributes)["stagegraph.stage"]; ok {
		t.Error("run-level span should not carry a stage attribute")
	}
	if !spans[0].StartTime.Equal(spans[0].EndTime) {
		t.Error("event without duration should be instantaneous")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	events := []Event{
		{RunID: "r", Step: 0, Stage: "a", Msg: MsgStageStart},
		{RunID: "r", Step: 0, Stage: "a", Msg: MsgStageEnd},
		{RunID: "r", Step: 1, Stage: "b", Msg: MsgStageCached},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != len(events) {
		t.Fatalf("expected %d spans, got %d", len(events), len(spans))
	}
	for i, span := range spans {
		if span.Name != events[i].Msg {
			t.Errorf("span %d = %q, want %q", i, span.Name, events[i].Msg)
		}
	}
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		value interface{}
		want  time.Duration
		ok    bool
	}{
		{int64(5), 5 * time.Millisecond, true},
		{7, 7 * time.Millisecond, true},
		{1.5, 1500 * time.Microsecond, true},
		{"5", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := durationMs(map[string]interface{}{"duration_ms": tt.value})
		if got != tt.want || ok != tt.ok {
			t.Errorf("durationMs(%v) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}
