package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is the result of a stage invocation: either Success carrying the
// output data or Failure carrying the error. The zero Outcome is a failure
// with no error recorded and should not be constructed directly.
type Outcome struct {
	data map[string]any
	err  error
}

// Success returns a successful outcome owning data.
func Success(data map[string]any) Outcome {
	if data == nil {
		data = map[string]any{}
	}
	return Outcome{data: data}
}

// Failure returns a failed outcome. err must be non-nil.
func Failure(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("unknown failure")
	}
	return Outcome{err: err}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.err == nil && o.data != nil }

// Err returns the failure cause, or nil on success.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	if o.err == nil {
		return fmt.Errorf("outcome not set")
	}
	return o.err
}

// Data returns a deep copy of the output data. A failed outcome yields an
// empty, non-nil map, which is what downstream references resolve against.
func (o Outcome) Data() map[string]any {
	if !o.OK() {
		return map[string]any{}
	}
	return copyMap(o.data)
}

// Status summarizes how a stage's result came about.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCached    Status = "cached"
	StatusSkipped   Status = "skipped"
)

// StageResult records one stage's result for a run. Results are created
// once and never modified after being stored.
type StageResult struct {
	StageName string
	Outcome   Outcome
	Status    Status

	// StartedAt and Duration cover the invocation. Cache hits and skips
	// report the time spent deciding.
	StartedAt time.Time
	Duration  time.Duration

	// CacheHit is true when the data came from the cache store.
	CacheHit bool

	// InputHash is the cache key derived from the stage identity and its
	// resolved inputs. Empty when inputs were never resolved (skips).
	InputHash string

	// OutputHash fingerprints the output data. Empty on failure.
	OutputHash string
}

// Success reports whether the stage produced data.
func (r StageResult) Success() bool { return r.Outcome.OK() }

// Data returns a copy of the output data.
func (r StageResult) Data() map[string]any { return r.Outcome.Data() }

// Error returns the failure message, or "" on success.
func (r StageResult) Error() string {
	if err := r.Outcome.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// ResultStore is the in-run record of stage results. Each stage name may be
// written once. The executor is the only writer; reads are safe from any
// goroutine.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]StageResult
}

// NewResultStore returns an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]StageResult)}
}

// Put records r. It fails with ErrResultExists if r.StageName already has a
// result.
func (s *ResultStore) Put(r StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[r.StageName]; exists {
		return fmt.Errorf("%w: %s", ErrResultExists, r.StageName)
	}
	s.results[r.StageName] = r
	return nil
}

// Get returns the result for name.
func (s *ResultStore) Get(name string) (StageResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[name]
	return r, ok
}

// Has reports whether name has a result.
func (s *ResultStore) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Len returns the number of recorded results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// All returns a copy of every recorded result keyed by stage name.
func (s *ResultStore) All() map[string]StageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StageResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Names returns the stage names with results, sorted.
func (s *ResultStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.results))
	for k := range s.results {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// data returns the stored data without copying, for the resolver.
func (s *ResultStore) data(name string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[name]
	if !ok {
		return nil, false
	}
	if !r.Outcome.OK() {
		return map[string]any{}, true
	}
	return r.Outcome.data, true
}
