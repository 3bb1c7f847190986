// Package subprocess runs stages as child processes.
//
// The parent writes one JSON Request to the child's stdin and reads one JSON
// Response from its stdout:
//
//	stdin:  {"protocol":"stagegraph/v1","run_id":"...","stage":"b","version":"1","inputs":{"x":10}}
//	stdout: {"data":{"doubled":20}}
//	    or: {"error":"message"}
//
// Anything the child writes to stderr is kept (last 4 KiB) and attached to
// the error when the stage fails. Child programs written in Go can use Serve
// or Main to implement their side of the exchange.
package subprocess

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/stagegraph/graph/jsonval"
)

// ProtocolVersion identifies the wire format.
const ProtocolVersion = "stagegraph/v1"

// stderrLimit bounds the stderr tail kept for error messages.
const stderrLimit = 4 << 10

var (
	// ErrNoCommand is returned by a Runner with an empty Command.
	ErrNoCommand = errors.New("subprocess: no command configured")

	// ErrMalformedResponse indicates stdout did not hold exactly one valid
	// Response document.
	ErrMalformedResponse = errors.New("subprocess: malformed response")

	// ErrProtocol indicates a request for an unsupported protocol version.
	ErrProtocol = errors.New("subprocess: unsupported protocol")
)

// Request is the document written to the child's stdin.
type Request struct {
	Protocol string         `json:"protocol"`
	RunID    string         `json:"run_id"`
	Stage    string         `json:"stage"`
	Version  string         `json:"version"`
	Inputs   map[string]any `json:"inputs"`
}

// Response is the document the child writes to stdout. Exactly one of Data
// and Error is set.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ExitError reports a child that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return withStderr(fmt.Sprintf("subprocess exited with status %d", e.Code), e.Stderr)
}

// RemoteError carries an error the child reported in its Response.
type RemoteError struct {
	Message string
	Stderr  string
}

func (e *RemoteError) Error() string {
	return withStderr(e.Message, e.Stderr)
}

func withStderr(msg, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return msg
	}
	return msg + ": stderr: " + stderr
}

// decodeResponse parses stdout into its data value.
func decodeResponse(stdout []byte, stderr string) (any, error) {
	if len(strings.TrimSpace(string(stdout))) == 0 {
		return nil, fmt.Errorf("%w: empty stdout%s", ErrMalformedResponse, stderrSuffix(stderr))
	}
	var resp Response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v%s", ErrMalformedResponse, err, stderrSuffix(stderr))
	}
	if resp.Error != "" {
		return nil, &RemoteError{Message: resp.Error, Stderr: stderr}
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: response has neither data nor error%s", ErrMalformedResponse, stderrSuffix(stderr))
	}
	data, err := jsonval.Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedResponse, err)
	}
	return data, nil
}

func stderrSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	return ": stderr: " + stderr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
