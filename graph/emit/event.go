package emit

import "time"

// Event is a structured observation emitted while a run executes.
//
// Events let an external observer follow a run without the engine knowing
// how the information is presented:
//   - Run and wave boundaries
//   - Stage started, finished, cached, failed and skipped
//   - Cache and input warnings
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Record OpenTelemetry spans
//   - Publish to Kafka
//   - Buffer in memory for inspection
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the wave index in parallel and incremental modes, and the
	// position in the topological order in serial mode. Zero for run-level
	// events.
	Step int

	// Stage names the stage the event concerns. Empty for run- and
	// wave-level events.
	Stage string

	// Msg is the event type, one of the Msg* constants.
	Msg string

	// Time is when the event was emitted.
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Stage or run duration in milliseconds
	//   - "error": Error message (failed, skipped, cache_error)
	//   - "cache_key": The stage's cache key
	//   - "kind": Executor kind of the stage
	//   - "mode": Execution mode (run_start)
	//   - "stages": Member names (wave_start)
	Meta map[string]interface{}
}

// Event types.
const (
	MsgRunStart     = "run_start"
	MsgRunEnd       = "run_end"
	MsgWaveStart    = "wave_start"
	MsgWaveEnd      = "wave_end"
	MsgStageStart   = "stage_start"
	MsgStageEnd     = "stage_end"
	MsgStageCached  = "stage_cached"
	MsgStageFailed  = "stage_failed"
	MsgStageSkipped = "stage_skipped"
	MsgCacheError   = "cache_error"
	MsgInputMissing = "input_missing"
)

// IsError reports whether the event carries an error.
func (e Event) IsError() bool {
	_, ok := e.Meta["error"]
	return ok
}
