package emit

// Emitter receives events from a run.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files
//   - Distributed tracing: OpenTelemetry
//   - Streaming: Kafka topics
//   - Testing: in-memory buffers
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down stage execution
//   - Thread-safe: Called concurrently from the stages of one wave
//   - Resilient: Handle backend failures without panicking
type Emitter interface {
	// Emit delivers one event to the backend.
	//
	// If the backend is unavailable or slow, events should be buffered,
	// dropped, or sent asynchronously. Emit should not panic.
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter returns an emitter that forwards to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards event to each emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
