package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stageTimeout determines the deadline for a stage based on precedence:
// 1. Stage.Timeout (per-stage override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout)
func stageTimeout(stage *Stage, defaultTimeout time.Duration) time.Duration {
	if stage.Timeout > 0 {
		return stage.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runStage invokes the stage's runner, converting panics into errors and
// enforcing the timeout when one applies.
//
// The runner receives a context that is cancelled at the deadline. The call
// itself is not abandoned: runners are expected to return promptly once
// their context is done.
func runStage(ctx context.Context, stage *Stage, inv Invocation, timeout time.Duration) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()

	if timeout == 0 {
		return stage.Runner.Run(ctx, inv)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err = stage.Runner.Run(timeoutCtx, inv)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w of %v", ErrStageTimeout, timeout)
	}
	return out, err
}
