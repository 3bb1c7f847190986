package emit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeProducer records produced records and acknowledges them
// asynchronously, like a kgo.Client.
type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	delay   time.Duration
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.err
	f.mu.Unlock()
	go func() {
		time.Sleep(f.delay)
		promise(r, err)
	}()
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func TestKafkaEmitter_Produce(t *testing.T) {
	producer := &fakeProducer{}
	emitter := NewKafkaEmitter(producer, "stagegraph-events", logr.Discard())

	emitter.Emit(Event{RunID: "run-7", Step: 1, Stage: "b", Msg: MsgStageEnd, Meta: map[string]interface{}{"duration_ms": 4}})
	emitter.Emit(Event{RunID: "run-7", Msg: MsgRunEnd})

	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	records := producer.produced()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0]
	if first.Topic != "stagegraph-events" {
		t.Errorf("topic = %q", first.Topic)
	}
	if string(first.Key) != "run-7" {
		t.Errorf("key = %q, want run id", first.Key)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(first.Value, &payload); err != nil {
		t.Fatalf("record value is not JSON: %v", err)
	}
	if payload["msg"] != MsgStageEnd || payload["stage"] != "b" || payload["run_id"] != "run-7" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if emitter.Failures() != 0 {
		t.Errorf("Failures = %d, want 0", emitter.Failures())
	}
}

func TestKafkaEmitter_DeliveryFailure(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker unavailable")}
	emitter := NewKafkaEmitter(producer, "t", logr.Discard())

	emitter.Emit(Event{RunID: "r", Msg: MsgStageFailed})
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if emitter.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", emitter.Failures())
	}
}

func TestKafkaEmitter_UnencodableMeta(t *testing.T) {
	producer := &fakeProducer{}
	emitter := NewKafkaEmitter(producer, "t", logr.Discard())

	emitter.Emit(Event{RunID: "r", Msg: MsgStageEnd, Meta: map[string]interface{}{"ch": make(chan int)}})
	if len(producer.produced()) != 0 {
		t.Error("unencodable event should not be produced")
	}
	if emitter.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", emitter.Failures())
	}
}

func TestKafkaEmitter_FlushTimeout(t *testing.T) {
	producer := &fakeProducer{delay: time.Second}
	emitter := NewKafkaEmitter(producer, "t", logr.Discard())
	emitter.Emit(Event{RunID: "r", Msg: MsgStageEnd})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := emitter.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush = %v, want deadline exceeded", err)
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("second Flush failed: %v", err)
	}
}
