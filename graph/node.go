package graph

import "context"

// Invocation carries everything a runner needs to execute one stage.
type Invocation struct {
	// RunID identifies the run the invocation belongs to.
	RunID string

	// Stage and Version identify the stage being invoked.
	Stage   string
	Version string

	// Inputs holds the resolved input values keyed by parameter name.
	// Values read from upstream results are copies; runners may keep or
	// modify them freely.
	Inputs map[string]any
}

// StageRunner executes a stage's logic.
//
// Run returns either a mapping of output fields or a single value. A value
// that is not a mapping is wrapped as {"result": value}. Returned values must
// be representable as JSON: the executor normalizes outputs to JSON data so
// that fresh and cached results compare equal.
//
// Runners must honor ctx cancellation when a stage timeout is configured.
// Implementations must be safe for concurrent use: a runner registered on a
// single stage is only invoked once per run, but the same runner value may
// back several stages that share a wave.
type StageRunner interface {
	Run(ctx context.Context, inv Invocation) (any, error)
}

// StageFunc adapts a plain function into an in-process StageRunner.
//
// Example:
//
//	double := graph.StageFunc(func(ctx context.Context, in map[string]any) (any, error) {
//	    v, _ := jsonval.Float(in["value"])
//	    return map[string]any{"doubled": v * 2}, nil
//	})
type StageFunc func(ctx context.Context, inputs map[string]any) (any, error)

// Run implements StageRunner.
func (f StageFunc) Run(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv.Inputs)
}

// Kind reports KindInProcess.
func (f StageFunc) Kind() ExecutorKind { return KindInProcess }
