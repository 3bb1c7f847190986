package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ExecutorKind records where a stage's logic runs.
type ExecutorKind string

const (
	// KindInProcess stages are called directly in the engine's process.
	KindInProcess ExecutorKind = "in_process"

	// KindSubprocess stages run in a child process and exchange JSON with
	// the engine over stdin/stdout.
	KindSubprocess ExecutorKind = "subprocess"
)

// Stage is a named, versioned unit of computation.
//
// Stages are pure data: the DAG derives edges from Inputs, the executor
// invokes Runner with resolved inputs, and the cache manager keys results by
// Name, Version (plus LogicHash when set) and the resolved input values.
//
// Outputs and SideEffects are advisory and never enforced.
type Stage struct {
	// Name identifies the stage. Unique within a DAG.
	Name string

	// Version is the manual cache-invalidation marker. Bumping it changes
	// every cache key the stage produces.
	Version string

	// Inputs maps parameter names to their sources.
	Inputs map[string]InputSource

	// Outputs lists the output fields the stage is expected to produce.
	Outputs []string

	// SideEffects tags external effects (writes, network calls).
	SideEffects []string

	// Kind is reported on events. Left empty it is taken from the runner
	// when the runner reports one, otherwise KindInProcess.
	Kind ExecutorKind

	// Runner executes the stage logic.
	Runner StageRunner

	// LogicHash optionally fingerprints the stage's own implementation. When
	// non-empty it is mixed into the cache key alongside Version.
	LogicHash string

	// Timeout bounds a single invocation. Zero falls back to the engine
	// default (WithStageTimeout), which itself defaults to no limit.
	Timeout time.Duration
}

// References returns the upstream references among Inputs, keyed by
// parameter name.
func (s *Stage) References() map[string]InputSource {
	refs := make(map[string]InputSource)
	for param, src := range s.Inputs {
		if src.IsRef() {
			refs[param] = src
		}
	}
	return refs
}

// upstreams returns the distinct names of stages this stage consumes, sorted.
func (s *Stage) upstreams() []string {
	seen := make(map[string]struct{})
	for _, src := range s.Inputs {
		if src.IsRef() {
			seen[src.stage] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Stage) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &GraphError{Kind: ErrInvalidStage, Msg: "stage name is empty"}
	}
	if s.Runner == nil {
		return &GraphError{Kind: ErrInvalidStage, Msg: fmt.Sprintf("stage %s has no runner", s.Name)}
	}
	if s.Timeout < 0 {
		return &GraphError{Kind: ErrInvalidStage, Msg: fmt.Sprintf("stage %s has negative timeout", s.Name)}
	}

	if kr, ok := s.Runner.(interface{ Kind() ExecutorKind }); ok {
		switch {
		case s.Kind == "":
			s.Kind = kr.Kind()
		case s.Kind != kr.Kind():
			return &GraphError{Kind: ErrInvalidStage, Msg: fmt.Sprintf("stage %s declares kind %s but its runner is %s", s.Name, s.Kind, kr.Kind())}
		}
	}
	if s.Kind == "" {
		s.Kind = KindInProcess
	}
	if s.Kind != KindInProcess && s.Kind != KindSubprocess {
		return &GraphError{Kind: ErrInvalidStage, Msg: fmt.Sprintf("stage %s has unknown kind %q", s.Name, s.Kind)}
	}

	for param, src := range s.Inputs {
		if err := src.validate(); err != nil {
			return &GraphError{Kind: ErrInvalidInput, Msg: fmt.Sprintf("stage %s input %q: %v", s.Name, param, err)}
		}
	}
	return nil
}

// clone copies the slices and maps of a stage so the DAG owns its own copy.
func (s Stage) clone() *Stage {
	c := s
	if s.Inputs != nil {
		c.Inputs = make(map[string]InputSource, len(s.Inputs))
		for k, v := range s.Inputs {
			if v.kind == sourceLiteral {
				v.value = deepCopy(v.value)
			}
			c.Inputs[k] = v
		}
	}
	c.Outputs = append([]string(nil), s.Outputs...)
	c.SideEffects = append([]string(nil), s.SideEffects...)
	return &c
}

type sourceKind int

const (
	sourceLiteral sourceKind = iota
	sourceRef
)

// InputSource is either a literal value or a reference to a field of an
// upstream stage's output. Construct one with Literal, Ref or ParseInput.
//
// The zero InputSource is the literal nil.
type InputSource struct {
	kind  sourceKind
	value any
	stage string
	path  []string
}

// Literal returns a source that passes v through unchanged.
func Literal(v any) InputSource {
	return InputSource{kind: sourceLiteral, value: v}
}

// Ref returns a source that reads path from stage's output data.
//
//	graph.Ref("a", "value")          // a.value
//	graph.Ref("fetch", "body", "id") // fetch.body.id
func Ref(stage string, path ...string) InputSource {
	return InputSource{kind: sourceRef, stage: stage, path: append([]string(nil), path...)}
}

// ParseInput converts a raw binding into an InputSource.
//
// A string containing "." is an upstream reference: the first segment names
// the stage, the remaining segments the field path. Any other value is a
// literal. Use Literal directly for strings that contain dots but are not
// references.
func ParseInput(v any) (InputSource, error) {
	s, ok := v.(string)
	if !ok || !strings.Contains(s, ".") {
		return Literal(v), nil
	}
	parts := strings.Split(s, ".")
	src := Ref(parts[0], parts[1:]...)
	if err := src.validate(); err != nil {
		return InputSource{}, &GraphError{Kind: ErrInvalidInput, Msg: fmt.Sprintf("%q: %v", s, err)}
	}
	return src, nil
}

// MustParseInputs parses a map of raw bindings and panics on error.
// Intended for static stage tables in tests and examples.
func MustParseInputs(raw map[string]any) map[string]InputSource {
	out, err := ParseInputs(raw)
	if err != nil {
		panic(err)
	}
	return out
}

// ParseInputs parses every binding of raw with ParseInput.
func ParseInputs(raw map[string]any) (map[string]InputSource, error) {
	out := make(map[string]InputSource, len(raw))
	for param, v := range raw {
		src, err := ParseInput(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", param, err)
		}
		out[param] = src
	}
	return out, nil
}

// IsRef reports whether the source references an upstream stage.
func (in InputSource) IsRef() bool { return in.kind == sourceRef }

// Value returns a copy of the literal value. It is nil for references.
func (in InputSource) Value() any { return deepCopy(in.value) }

// Stage returns the referenced stage name, or "" for literals.
func (in InputSource) Stage() string { return in.stage }

// Path returns a copy of the referenced field path.
func (in InputSource) Path() []string { return append([]string(nil), in.path...) }

// String renders a reference in dotted form and a literal with %v.
func (in InputSource) String() string {
	if in.kind == sourceRef {
		return strings.Join(append([]string{in.stage}, in.path...), ".")
	}
	return fmt.Sprintf("%v", in.value)
}

func (in InputSource) validate() error {
	if in.kind != sourceRef {
		return nil
	}
	if in.stage == "" {
		return fmt.Errorf("reference has empty stage name")
	}
	if len(in.path) == 0 {
		return fmt.Errorf("reference to %s has no field path", in.stage)
	}
	for _, seg := range in.path {
		if seg == "" {
			return fmt.Errorf("reference %s has an empty path segment", in.String())
		}
	}
	return nil
}
