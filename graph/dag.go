package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// DAG is the dependency graph of a set of stages.
//
// An edge u -> v means v consumes an output of u. Edges are derived from the
// reference inputs of each registered stage. Registration order is free: a
// stage may reference one that is added later, and unknown references are
// only reported by Finalize.
//
// Usage:
//
//	dag := graph.NewDAG()
//	_ = dag.Add(graph.Stage{Name: "a", Version: "1", Runner: fetch})
//	_ = dag.Add(graph.Stage{Name: "b", Version: "1", Runner: double,
//	    Inputs: map[string]graph.InputSource{"value": graph.Ref("a", "value")}})
//	if err := dag.Finalize(); err != nil {
//	    return err
//	}
//	waves, err := dag.Waves() // [[a] [b]]
//
// A DAG is safe for concurrent reads once finalized.
type DAG struct {
	mu sync.RWMutex

	nodes        map[string]*Stage
	dependents   map[string][]string
	dependencies map[string][]string
	finalized    bool
}

// NewDAG returns an empty graph.
func NewDAG() *DAG {
	return &DAG{
		nodes:        make(map[string]*Stage),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
	}
}

// Add registers a stage. The DAG keeps its own copy of the definition.
//
// Returns a *GraphError for an invalid definition (ErrInvalidStage,
// ErrInvalidInput), a name already in use (ErrDuplicateStage), or a graph
// that has been finalized (ErrGraphFinalized).
func (d *DAG) Add(stage Stage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finalized {
		return &GraphError{Kind: ErrGraphFinalized, Msg: fmt.Sprintf("cannot add stage %s", stage.Name)}
	}
	s := stage.clone()
	if err := s.validate(); err != nil {
		return err
	}
	if _, exists := d.nodes[s.Name]; exists {
		return &GraphError{Kind: ErrDuplicateStage, Msg: s.Name}
	}

	d.nodes[s.Name] = s
	deps := s.upstreams()
	d.dependencies[s.Name] = deps
	for _, up := range deps {
		d.dependents[up] = insertSorted(d.dependents[up], s.Name)
	}
	return nil
}

// Finalize verifies every reference names a registered stage and freezes the
// graph. All unknown references are reported together in one *GraphError
// with Kind ErrUnknownReference. Calling Finalize on a finalized graph is a
// no-op.
//
// Finalize does not check for cycles; TopologicalOrder and Waves do.
func (d *DAG) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finalized {
		return nil
	}

	var errs error
	for _, name := range d.sortedNames() {
		s := d.nodes[name]
		params := make([]string, 0, len(s.Inputs))
		for param := range s.Inputs {
			params = append(params, param)
		}
		sort.Strings(params)
		for _, param := range params {
			src := s.Inputs[param]
			if !src.IsRef() {
				continue
			}
			if _, ok := d.nodes[src.stage]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s -> %s (missing stage %q)", name, param, src.String(), src.stage))
			}
		}
	}
	if errs != nil {
		var msgs []string
		for _, e := range multierr.Errors(errs) {
			msgs = append(msgs, e.Error())
		}
		return &GraphError{Kind: ErrUnknownReference, Msg: strings.Join(msgs, "; "), Err: errs}
	}

	d.finalized = true
	return nil
}

// Finalized reports whether Finalize has succeeded.
func (d *DAG) Finalized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.finalized
}

// Stage returns a copy of the named stage definition.
func (d *DAG) Stage(name string) (Stage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.nodes[name]
	if !ok {
		return Stage{}, false
	}
	return *s.clone(), true
}

// Names returns every registered stage name in lexical order.
func (d *DAG) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedNames()
}

// Len returns the number of registered stages.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// Dependencies returns the stages name consumes, in lexical order.
func (d *DAG) Dependencies(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependencies[name]...)
}

// Dependents returns the stages that consume name's output, in lexical order.
func (d *DAG) Dependents(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[name]...)
}

// stage returns the DAG's own copy. Callers must not modify it.
func (d *DAG) stage(name string) *Stage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[name]
}

func (d *DAG) sortedNames() []string {
	names := make([]string, 0, len(d.nodes))
	for name := range d.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func insertSorted(list []string, name string) []string {
	i := sort.SearchStrings(list, name)
	if i < len(list) && list[i] == name {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = name
	return list
}
