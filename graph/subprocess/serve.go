package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/jsonval"
)

// HandlerFunc implements one stage on the child side.
type HandlerFunc func(ctx context.Context, inv graph.Invocation) (any, error)

// Serve reads one Request from r, dispatches it to the handler registered
// for its stage and writes the Response to w.
//
// Handler errors, panics, unknown stages and unsupported protocol versions
// are reported to the parent as error responses; Serve itself only fails
// when the request cannot be read or the response cannot be written.
func Serve(handlers map[string]HandlerFunc, r io.Reader, w io.Writer) error {
	return ServeContext(context.Background(), handlers, r, w)
}

// ServeContext is Serve with a context passed to the handler.
func ServeContext(ctx context.Context, handlers map[string]HandlerFunc, r io.Reader, w io.Writer) error {
	var req Request
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("subprocess: reading request: %w", err)
	}
	jsonval.ConvertMap(req.Inputs)
	return writeResponse(w, handle(ctx, handlers, req))
}

func handle(ctx context.Context, handlers map[string]HandlerFunc, req Request) (resp Response) {
	if req.Protocol != ProtocolVersion {
		return Response{Error: fmt.Sprintf("%v %q", ErrProtocol, req.Protocol)}
	}
	h, ok := handlers[req.Stage]
	if !ok {
		return Response{Error: fmt.Sprintf("no handler for stage %q", req.Stage)}
	}

	defer func() {
		if p := recover(); p != nil {
			resp = Response{Error: fmt.Sprintf("handler panicked: %v", p)}
		}
	}()

	out, err := h(ctx, graph.Invocation{
		RunID:   req.RunID,
		Stage:   req.Stage,
		Version: req.Version,
		Inputs:  req.Inputs,
	})
	if err != nil {
		return Response{Error: err.Error()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Response{Error: fmt.Sprintf("encoding output: %v", err)}
	}
	return Response{Data: data}
}

func writeResponse(w io.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("subprocess: encoding response: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("subprocess: writing response: %w", err)
	}
	return nil
}

// Main serves one request on stdin/stdout and exits. It is meant to be the
// whole body of a child program's main function:
//
//	func main() {
//	    subprocess.Main(map[string]subprocess.HandlerFunc{"b": double})
//	}
func Main(handlers map[string]HandlerFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := ServeContext(ctx, handlers, os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
