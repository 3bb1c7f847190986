// Command stagegraph runs a pipeline file: it builds the stage graph,
// schedules it in waves and serves unchanged stages from the cache.
//
// Usage:
//
//	stagegraph run -c pipeline.yaml
//	stagegraph run -c pipeline.hcl --mode parallel --force b
//	stagegraph waves -c pipeline.yaml
//	stagegraph cache list -c pipeline.yaml
//	stagegraph cache show -c pipeline.yaml 3f2a9c0d11e4b7a5
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitStagesFailed = 1
	ExitUsage        = 2
	ExitAborted      = 3
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(stderr, "Error:", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "stagegraph",
		Short:         "Dependency-driven stage scheduler with content-addressed caching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringP("config", "c", "", "pipeline file (.yaml, .yml or .hcl)")

	root.AddCommand(newRunCmd(), newWavesCmd(), newCacheCmd())
	return root
}
