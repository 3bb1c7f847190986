package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/jsonval"
)

// helperHandlers back the child side of the re-exec tests.
var helperHandlers = map[string]HandlerFunc{
	"double": func(_ context.Context, inv graph.Invocation) (any, error) {
		v, ok := jsonval.Float(inv.Inputs["value"])
		if !ok {
			return nil, fmt.Errorf("value: want number, got %T", inv.Inputs["value"])
		}
		return map[string]any{"doubled": v * 2}, nil
	},
	"echo": func(_ context.Context, inv graph.Invocation) (any, error) {
		return map[string]any{"run_id": inv.RunID, "version": inv.Version, "inputs": inv.Inputs}, nil
	},
	"fail": func(context.Context, graph.Invocation) (any, error) {
		fmt.Fprint(os.Stderr, "diagnostics on stderr")
		return nil, errors.New("bad input")
	},
	"scalar": func(context.Context, graph.Invocation) (any, error) {
		return 42, nil
	},
	"nothing": func(context.Context, graph.Invocation) (any, error) {
		return nil, nil
	},
	"id": func(_ context.Context, inv graph.Invocation) (any, error) {
		id, ok := inv.Inputs["id"].(int64)
		if !ok {
			return nil, fmt.Errorf("id: want int64, got %T", inv.Inputs["id"])
		}
		return map[string]any{"id": id, "next": id + 1}, nil
	},
}

// TestHelperProcess is not a real test. It is the child program started by
// helperRunner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("STAGEGRAPH_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("STAGEGRAPH_HELPER_MODE") {
	case "exit":
		fmt.Fprint(os.Stderr, "boom")
		os.Exit(3)
	case "garbage":
		fmt.Print("not json")
		os.Exit(0)
	case "empty":
		os.Exit(0)
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	if err := Serve(helperHandlers, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func helperRunner(mode string) *Runner {
	return &Runner{
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:     []string{"STAGEGRAPH_HELPER_PROCESS=1", "STAGEGRAPH_HELPER_MODE=" + mode},
	}
}

func invocation(stage string, inputs map[string]any) graph.Invocation {
	return graph.Invocation{RunID: "run-1", Stage: stage, Version: "2", Inputs: inputs}
}

func TestRunner_RoundTrip(t *testing.T) {
	out, err := helperRunner("serve").Run(context.Background(), invocation("double", map[string]any{"value": 10}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]any{"doubled": int64(20)}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunner_RequestFields(t *testing.T) {
	out, err := helperRunner("serve").Run(context.Background(), invocation("echo", map[string]any{"s": "x", "list": []any{1, 2}}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]any{
		"run_id":  "run-1",
		"version": "2",
		"inputs":  map[string]any{"s": "x", "list": []any{int64(1), int64(2)}},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunner_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		stage   string
		check   func(error) bool
		message string
	}{
		{
			name:  "error response",
			mode:  "serve",
			stage: "fail",
			check: func(err error) bool {
				var re *RemoteError
				return errors.As(err, &re) && re.Message == "bad input"
			},
			message: "diagnostics on stderr",
		},
		{
			name:  "non-zero exit",
			mode:  "exit",
			stage: "double",
			check: func(err error) bool {
				var ee *ExitError
				return errors.As(err, &ee) && ee.Code == 3
			},
			message: "boom",
		},
		{
			name:    "malformed stdout",
			mode:    "garbage",
			stage:   "double",
			check:   func(err error) bool { return errors.Is(err, ErrMalformedResponse) },
			message: "malformed",
		},
		{
			name:    "empty stdout",
			mode:    "empty",
			stage:   "double",
			check:   func(err error) bool { return errors.Is(err, ErrMalformedResponse) },
			message: "empty stdout",
		},
		{
			name:    "unknown stage",
			mode:    "serve",
			stage:   "nope",
			check:   func(err error) bool { var re *RemoteError; return errors.As(err, &re) },
			message: `no handler for stage "nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := helperRunner(tt.mode).Run(context.Background(), invocation(tt.stage, map[string]any{"value": 1}))
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected error type: %T %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.message)
			}
		})
	}
}

func TestRunner_KilledOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := helperRunner("sleep").Run(ctx, invocation("double", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("child was not killed promptly: %v", elapsed)
	}
}

func TestRunner_NoCommand(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(), invocation("a", nil))
	if !errors.Is(err, ErrNoCommand) {
		t.Errorf("expected ErrNoCommand, got %v", err)
	}
}

func TestRunner_InEngine(t *testing.T) {
	dag := graph.NewDAG()
	stages := []graph.Stage{
		{
			Name:    "a",
			Version: "1",
			Runner: graph.StageFunc(func(context.Context, map[string]any) (any, error) {
				return map[string]any{"value": 10}, nil
			}),
		},
		{
			Name:    "double",
			Version: "1",
			Runner:  helperRunner("serve"),
			Inputs:  graph.MustParseInputs(map[string]any{"value": "a.value"}),
		},
	}
	for _, s := range stages {
		if err := dag.Add(s); err != nil {
			t.Fatalf("Add(%s) failed: %v", s.Name, err)
		}
	}
	if st, _ := dag.Stage("double"); st.Kind != graph.KindSubprocess {
		t.Errorf("expected subprocess kind, got %q", st.Kind)
	}

	engine, err := graph.New(dag)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := engine.Run(context.Background(), graph.ExecutionContext{Mode: graph.ModeParallel})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res := report.Results["double"]
	if !res.Success() {
		t.Fatalf("double failed: %s", res.Error())
	}
	if diff := cmp.Diff(map[string]any{"doubled": int64(20)}, res.Data()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestRunner_LargeIntegers(t *testing.T) {
	const id = int64(1<<53 + 1)
	out, err := helperRunner("serve").Run(context.Background(), invocation("id", map[string]any{"id": id}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]any{"id": id, "next": id + 1}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

// A nil output is stored the same way whether the stage runs in process or
// as a child program.
func TestRunner_NilOutputMatchesInProcess(t *testing.T) {
	dag := graph.NewDAG()
	stages := []graph.Stage{
		{
			Name:    "local",
			Version: "1",
			Runner: graph.StageFunc(func(context.Context, map[string]any) (any, error) {
				return nil, nil
			}),
		},
		{Name: "nothing", Version: "1", Runner: helperRunner("serve")},
	}
	for _, s := range stages {
		if err := dag.Add(s); err != nil {
			t.Fatalf("Add(%s) failed: %v", s.Name, err)
		}
	}
	engine, err := graph.New(dag)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := engine.Run(context.Background(), graph.ExecutionContext{Mode: graph.ModeSerial})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]any{"result": nil}
	for _, name := range []string{"local", "nothing"} {
		res := report.Results[name]
		if !res.Success() {
			t.Fatalf("%s failed: %s", name, res.Error())
		}
		if diff := cmp.Diff(want, res.Data()); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestServe(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "scalar output",
			req:  Request{Protocol: ProtocolVersion, Stage: "scalar"},
			want: `{"data":42}`,
		},
		{
			name: "nil output",
			req:  Request{Protocol: ProtocolVersion, Stage: "nothing"},
			want: `{"data":null}`,
		},
		{
			name: "handler error",
			req:  Request{Protocol: ProtocolVersion, Stage: "fail"},
			want: `{"error":"bad input"}`,
		},
		{
			name: "protocol mismatch",
			req:  Request{Protocol: "stagegraph/v0", Stage: "scalar"},
			want: `{"error":"subprocess: unsupported protocol \"stagegraph/v0\""}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			if err := Serve(helperHandlers, bytes.NewReader(in), &out); err != nil {
				t.Fatalf("Serve failed: %v", err)
			}
			if got := strings.TrimSpace(out.String()); got != tt.want {
				t.Errorf("response = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestServe_Panic(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"p": func(context.Context, graph.Invocation) (any, error) { panic("kaboom") },
	}
	in := `{"protocol":"stagegraph/v1","stage":"p","inputs":{}}`
	var out bytes.Buffer
	if err := Serve(handlers, strings.NewReader(in), &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !strings.Contains(out.String(), "handler panicked: kaboom") {
		t.Errorf("unexpected response: %s", out.String())
	}
}

func TestServe_BadRequest(t *testing.T) {
	var out bytes.Buffer
	if err := Serve(helperHandlers, strings.NewReader("{"), &out); err == nil {
		t.Error("expected error for truncated request")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	for _, s := range []string{"abc", "defgh", "ijk"} {
		if _, err := tb.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	if got := tb.String(); got != "defghijk" {
		t.Errorf("tail = %q, want %q", got, "defghijk")
	}
	if _, err := tb.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if got := tb.String(); got != "23456789" {
		t.Errorf("tail = %q, want %q", got, "23456789")
	}
}
