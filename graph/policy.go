package graph

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Mode selects the execution policy of a run.
type Mode string

const (
	// ModeSerial runs stages one at a time in topological order, without
	// caching.
	ModeSerial Mode = "serial"

	// ModeParallel runs each wave on the worker pool, without caching.
	ModeParallel Mode = "parallel"

	// ModeIncremental runs each wave on the worker pool, serving unchanged
	// stages from the cache and persisting fresh results.
	ModeIncremental Mode = "incremental"
)

// FailurePolicy decides what happens to the dependents of a failed stage.
type FailurePolicy string

const (
	// FailurePropagate invokes dependents anyway. References into the failed
	// stage's output resolve against empty data, so they read nil (or fail
	// the dependent when strict inputs are enabled).
	FailurePropagate FailurePolicy = "propagate"

	// FailureSkip does not invoke a stage when any dependency failed or was
	// skipped. The stage is recorded as skipped with a *SkipError.
	FailureSkip FailurePolicy = "skip"
)

// DefaultMaxWorkers is the per-wave concurrency bound used when
// ExecutionContext.MaxWorkers is zero.
const DefaultMaxWorkers = 4

// ExecutionContext configures one run.
type ExecutionContext struct {
	// RunID namespaces events and metrics. Generated when empty.
	RunID string

	// OutputDir is the root of the default file cache (<OutputDir>/cache).
	// Required in incremental mode with UseCache unless a store was injected
	// with WithStore.
	OutputDir string

	// Mode selects the execution policy. Defaults to ModeIncremental.
	Mode Mode

	// UseCache enables cache reads and writes in incremental mode.
	UseCache bool

	// ForceRerun lists stages that always execute, bypassing cache reads.
	// Their fresh results are still written to the cache.
	ForceRerun []string

	// MaxWorkers bounds concurrent invocations within a wave. Defaults to
	// DefaultMaxWorkers.
	MaxWorkers int

	// FailurePolicy defaults to FailurePropagate.
	FailurePolicy FailurePolicy
}

// withDefaults fills zero fields and validates the result against dag.
func (ec ExecutionContext) withDefaults(dag *DAG) (ExecutionContext, error) {
	if ec.RunID == "" {
		ec.RunID = uuid.New().String()
	}
	if ec.Mode == "" {
		ec.Mode = ModeIncremental
	}
	if ec.MaxWorkers == 0 {
		ec.MaxWorkers = DefaultMaxWorkers
	}
	if ec.FailurePolicy == "" {
		ec.FailurePolicy = FailurePropagate
	}

	switch ec.Mode {
	case ModeSerial, ModeParallel, ModeIncremental:
	default:
		return ec, &GraphError{Kind: ErrInvalidContext, Msg: fmt.Sprintf("unknown mode %q", ec.Mode)}
	}
	switch ec.FailurePolicy {
	case FailurePropagate, FailureSkip:
	default:
		return ec, &GraphError{Kind: ErrInvalidContext, Msg: fmt.Sprintf("unknown failure policy %q", ec.FailurePolicy)}
	}
	if ec.MaxWorkers < 0 {
		return ec, &GraphError{Kind: ErrInvalidContext, Msg: fmt.Sprintf("max_workers must be positive, got %d", ec.MaxWorkers)}
	}

	var unknown []string
	for _, name := range ec.ForceRerun {
		if _, ok := dag.Stage(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return ec, &GraphError{Kind: ErrInvalidContext, Msg: fmt.Sprintf("force_rerun names unknown stages %v", unknown)}
	}
	ec.ForceRerun = append([]string(nil), ec.ForceRerun...)
	return ec, nil
}

func (ec ExecutionContext) forced() map[string]bool {
	set := make(map[string]bool, len(ec.ForceRerun))
	for _, name := range ec.ForceRerun {
		set[name] = true
	}
	return set
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSerial, ModeParallel, ModeIncremental:
		return m, nil
	case "":
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidContext, s)
}

// ParseFailurePolicy converts a configuration string into a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailurePropagate, FailureSkip:
		return p, nil
	case "":
		return FailurePropagate, nil
	}
	return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidContext, s)
}
