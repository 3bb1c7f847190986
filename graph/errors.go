// Package graph provides the stage graph, wave scheduler and executor for stagegraph.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors. These are detected before any stage is invoked and
// always abort the run.
var (
	// ErrInvalidStage indicates a stage definition that cannot be registered
	// (empty name, missing runner, unknown executor kind).
	ErrInvalidStage = errors.New("invalid stage definition")

	// ErrDuplicateStage indicates a second registration under an existing name.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrInvalidInput indicates a malformed input binding, such as a dotted
	// reference with an empty segment.
	ErrInvalidInput = errors.New("invalid input binding")

	// ErrUnknownReference indicates an input that references a stage which is
	// not registered when the graph is finalized.
	ErrUnknownReference = errors.New("reference to unknown stage")

	// ErrCycle indicates the dependency relation contains a cycle.
	ErrCycle = errors.New("graph contains a dependency cycle")

	// ErrGraphFinalized is returned by Add after Finalize has run.
	ErrGraphFinalized = errors.New("graph already finalized")

	// ErrGraphNotFinalized is returned by scheduling queries on a graph that
	// has not been finalized.
	ErrGraphNotFinalized = errors.New("graph not finalized")

	// ErrInvalidContext indicates an ExecutionContext that fails validation.
	ErrInvalidContext = errors.New("invalid execution context")
)

// Resolution and execution errors.
var (
	// ErrMissingDependency indicates an upstream result was absent while
	// resolving inputs. Correct wave ordering makes this unreachable, so the
	// engine treats it as an internal invariant violation.
	ErrMissingDependency = errors.New("upstream stage has no result")

	// ErrMissingField indicates a reference path that does not exist in an
	// otherwise present upstream result. Non-fatal unless strict inputs are on.
	ErrMissingField = errors.New("referenced field not found")

	// ErrUpstreamFailed marks a stage skipped because a dependency failed.
	ErrUpstreamFailed = errors.New("upstream stage failed")

	// ErrStagePanic wraps a panic recovered from a stage runner.
	ErrStagePanic = errors.New("stage panicked")

	// ErrStageTimeout indicates a stage exceeded its configured deadline.
	ErrStageTimeout = errors.New("stage exceeded timeout")

	// ErrResultExists is returned when a second result is stored for a stage.
	ErrResultExists = errors.New("result already recorded for stage")

	// ErrOutputNotSerializable indicates a stage returned a value that cannot
	// be represented as JSON data.
	ErrOutputNotSerializable = errors.New("stage output is not serializable")
)

// GraphError describes a structural problem with the stage graph.
//
// Kind is one of the structural sentinels above, so callers can use
// errors.Is(err, ErrUnknownReference). Err carries the individual problems
// when several were found at once.
type GraphError struct {
	Kind error
	Msg  string
	Err  error
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *GraphError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CycleError reports the stages that could not be ordered.
//
// Nodes lists every stage left with unresolved dependencies (sorted). Path
// is one concrete cycle among them, first node repeated at the end.
type CycleError struct {
	Nodes []string
	Path  []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%s: stages [%s]", ErrCycle.Error(), strings.Join(e.Nodes, ", "))
	if len(e.Path) > 0 {
		msg += ": " + strings.Join(e.Path, " -> ")
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// ResolutionError describes an input that could not be resolved.
type ResolutionError struct {
	Stage string
	Input string
	Ref   string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("stage %s: input %q (%s): %v", e.Stage, e.Input, e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StageError wraps an error returned (or a panic raised) by a stage runner.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return "stage " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// SkipError is the failure recorded for a stage that was not invoked
// because one or more of its dependencies did not succeed.
type SkipError struct {
	Stage    string
	Upstream []string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("stage %s skipped: %s: %s", e.Stage, ErrUpstreamFailed.Error(), strings.Join(e.Upstream, ", "))
}

func (e *SkipError) Unwrap() error { return ErrUpstreamFailed }

// EngineError is returned by Engine.Run when a run is aborted.
//
// Code is a machine-readable classification:
//   - GRAPH_INVALID: unknown references or other structural problems
//   - CYCLE: the dependency relation is cyclic
//   - CONTEXT_INVALID: the ExecutionContext failed validation
//   - RESOLUTION: an internal invariant failed while resolving inputs
//   - CANCELLED: the caller's context ended before the run completed
type EngineError struct {
	Message string
	Code    string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// Engine error codes.
const (
	CodeGraphInvalid   = "GRAPH_INVALID"
	CodeCycle          = "CYCLE"
	CodeContextInvalid = "CONTEXT_INVALID"
	CodeResolution     = "RESOLUTION"
	CodeCancelled      = "CANCELLED"
)

func engineError(code string, err error) *EngineError {
	return &EngineError{Message: err.Error(), Code: code, Err: err}
}
