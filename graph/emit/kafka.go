package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used by KafkaEmitter.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// KafkaEmitter publishes events as JSON records to a Kafka topic, keyed by
// run ID so that all events of one run land on the same partition in order.
//
// Produce is asynchronous; delivery failures are counted and logged, never
// returned to the engine. Call Flush before shutdown to wait for
// outstanding records.
//
//	client, _ := kgo.NewClient(kgo.SeedBrokers("localhost:9092"))
//	emitter := emit.NewKafkaEmitter(client, "stagegraph-events", logger)
type KafkaEmitter struct {
	producer Producer
	topic    string
	log      logr.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	failures int
}

// NewKafkaEmitter creates an emitter publishing on topic.
func NewKafkaEmitter(producer Producer, topic string, log logr.Logger) *KafkaEmitter {
	return &KafkaEmitter{producer: producer, topic: topic, log: log}
}

type kafkaEvent struct {
	RunID string                 `json:"run_id"`
	Step  int                    `json:"step"`
	Stage string                 `json:"stage,omitempty"`
	Msg   string                 `json:"msg"`
	Time  time.Time              `json:"time"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// Emit produces one record for event.
func (k *KafkaEmitter) Emit(event Event) {
	value, err := json.Marshal(kafkaEvent{
		RunID: event.RunID,
		Step:  event.Step,
		Stage: event.Stage,
		Msg:   event.Msg,
		Time:  event.Time,
		Meta:  event.Meta,
	})
	if err != nil {
		k.fail(fmt.Errorf("kafka emitter: failed to marshal event: %w", err))
		return
	}

	k.wg.Add(1)
	k.producer.Produce(context.Background(), &kgo.Record{
		Key:   []byte(event.RunID),
		Value: value,
		Topic: k.topic,
	}, func(r *kgo.Record, err error) {
		defer k.wg.Done()
		if err != nil {
			k.fail(fmt.Errorf("kafka emitter: failed to produce to %s: %w", k.topic, err))
		}
	})
}

func (k *KafkaEmitter) fail(err error) {
	k.mu.Lock()
	k.failures++
	k.mu.Unlock()
	k.log.Error(err, "dropping event")
}

// Flush blocks until every produced record has been acknowledged or ctx is
// done.
func (k *KafkaEmitter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the number of events that could not be delivered.
func (k *KafkaEmitter) Failures() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.failures
}
