package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dshills/stagegraph/graph"
)

// Runner is a graph.StageRunner that executes a child process per
// invocation.
//
// The child inherits the parent's environment plus Env, and is killed when
// the invocation's context ends (stage timeout or run cancellation).
//
//	stage := graph.Stage{
//	    Name:    "b",
//	    Version: "1",
//	    Runner:  &subprocess.Runner{Command: []string{"python3", "b.py"}},
//	    Inputs:  graph.MustParseInputs(map[string]any{"value": "a.value"}),
//	}
type Runner struct {
	// Command is the program and its arguments.
	Command []string

	// Env is appended to the inherited environment ("KEY=value").
	Env []string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	// WaitDelay bounds how long Run waits for the child's output pipes to
	// close after it was killed. Zero uses one second.
	WaitDelay time.Duration
}

// Kind reports graph.KindSubprocess.
func (r *Runner) Kind() graph.ExecutorKind { return graph.KindSubprocess }

// Run implements graph.StageRunner.
func (r *Runner) Run(ctx context.Context, inv graph.Invocation) (any, error) {
	if len(r.Command) == 0 {
		return nil, ErrNoCommand
	}
	payload, err := json.Marshal(Request{
		Protocol: ProtocolVersion,
		RunID:    inv.RunID,
		Stage:    inv.Stage,
		Version:  inv.Version,
		Inputs:   inv.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("subprocess: encoding request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("subprocess %s killed: %w", r.Command[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("subprocess: starting %s: %w", r.Command[0], err)
	}
	return decodeResponse(stdout.Bytes(), stderr.String())
}
