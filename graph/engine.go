package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/sourcegraph/conc/pool"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

// Engine executes a finalized DAG.
//
// The Engine:
//   - Orders stages topologically and groups them into waves
//   - Resolves each stage's inputs from the results of its dependencies
//   - Invokes stages serially or one wave at a time on a bounded pool
//   - Serves unchanged stages from the cache in incremental mode
//   - Emits events and records metrics for every step
//
// A single Engine may run its DAG any number of times, including
// concurrently: all per-run state lives in the run itself.
//
// Example:
//
//	dag := graph.NewDAG()
//	_ = dag.Add(graph.Stage{Name: "a", Runner: loadFn})
//	_ = dag.Add(graph.Stage{Name: "b", Runner: sumFn,
//	    Inputs: graph.MustParseInputs(map[string]any{"x": "a.value"})})
//
//	engine, err := graph.New(dag, graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := engine.Run(ctx, graph.ExecutionContext{Mode: graph.ModeParallel})
type Engine struct {
	dag *DAG
	cfg engineConfig
}

// New finalizes dag and returns an Engine for it.
//
// Parameters:
//   - dag: The stage graph. Stages cannot be added after New returns.
//   - opts: Functional options (WithStore, WithEmitter, WithMetrics, ...)
//
// Returns an *EngineError with code GRAPH_INVALID when the graph references
// unknown stages or an option is invalid. Cycles are reported by Run.
func New(dag *DAG, opts ...Option) (*Engine, error) {
	if dag == nil {
		return nil, engineError(CodeGraphInvalid, &GraphError{Kind: ErrInvalidStage, Msg: "dag cannot be nil"})
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: CodeGraphInvalid, Err: err}
		}
	}
	if err := dag.Finalize(); err != nil {
		return nil, engineError(CodeGraphInvalid, err)
	}
	return &Engine{dag: dag, cfg: cfg}, nil
}

// DAG returns the graph the engine executes.
func (e *Engine) DAG() *DAG { return e.dag }

// RunReport summarizes a run. Results contains one entry per registered
// stage unless the run was aborted by a structural error.
type RunReport struct {
	RunID    string
	Mode     Mode
	Order    []string
	Waves    [][]string
	Results  map[string]StageResult
	Duration time.Duration
}

// Failed returns the sorted names of stages whose result is not a success.
func (r *RunReport) Failed() []string {
	var failed []string
	for name, res := range r.Results {
		if !res.Success() {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// OK reports whether every stage succeeded.
func (r *RunReport) OK() bool { return len(r.Failed()) == 0 }

// Run executes every stage of the graph once according to ec.
//
// Stage failures never abort the run: they are recorded as failed results
// and the run continues. Run returns an error only when the run could not
// proceed:
//   - CONTEXT_INVALID: ec failed validation
//   - CYCLE: the graph is cyclic; no stage was invoked
//   - RESOLUTION: an upstream result was missing while resolving inputs
//   - CANCELLED: ctx ended; remaining stages are recorded as failed
//
// The report is returned alongside CANCELLED and RESOLUTION errors with the
// results recorded so far.
func (e *Engine) Run(ctx context.Context, ec ExecutionContext) (*RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ec, err := ec.withDefaults(e.dag)
	if err != nil {
		return nil, engineError(CodeContextInvalid, err)
	}

	order, err := e.dag.TopologicalOrder()
	if err != nil {
		if errors.Is(err, ErrCycle) {
			return nil, engineError(CodeCycle, err)
		}
		return nil, engineError(CodeGraphInvalid, err)
	}
	var waves [][]string
	if ec.Mode != ModeSerial {
		waves = groupWaves(e.dag.levels(order))
	}

	r, err := e.newRun(ec, order, waves)
	if err != nil {
		return nil, err
	}
	defer r.close()

	start := r.now()
	report := &RunReport{RunID: ec.RunID, Mode: ec.Mode, Order: order, Waves: waves}
	r.emit(0, "", emit.MsgRunStart, map[string]interface{}{
		"mode":           string(ec.Mode),
		"stages":         len(order),
		"waves":          len(waves),
		"use_cache":      r.useCache,
		"failure_policy": string(ec.FailurePolicy),
	})

	if ec.Mode == ModeSerial {
		err = r.runSerial(ctx, order)
	} else {
		err = r.runWaves(ctx, waves)
	}

	report.Results = r.results.All()
	report.Duration = r.now().Sub(start)
	meta := map[string]interface{}{
		"duration_ms": report.Duration.Milliseconds(),
		"failed":      len(report.Failed()),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	r.emit(0, "", emit.MsgRunEnd, meta)
	if err != nil {
		return report, err
	}
	return report, nil
}

// run holds the state of one Engine.Run call.
type run struct {
	e       *Engine
	ec      ExecutionContext
	log     logr.Logger
	metrics *PrometheusMetrics
	now     func() time.Time

	results  *ResultStore
	steps    map[string]int
	forced   map[string]bool
	useCache bool
	cache    *CacheManager
	owned    store.Store
}

// plan carries one stage through preparation and execution. A plan whose
// done flag is set after prepare needs no invocation.
type plan struct {
	stage  *Stage
	step   int
	inputs map[string]any
	key    string
	result StageResult
	done   bool
}

func (e *Engine) newRun(ec ExecutionContext, order []string, waves [][]string) (*run, error) {
	r := &run{
		e:        e,
		ec:       ec,
		log:      e.cfg.logger.WithValues("runID", ec.RunID),
		metrics:  e.cfg.metrics,
		now:      e.cfg.now,
		results:  NewResultStore(),
		steps:    make(map[string]int, len(order)),
		forced:   ec.forced(),
		useCache: ec.Mode == ModeIncremental && ec.UseCache,
	}
	if waves == nil {
		for i, name := range order {
			r.steps[name] = i
		}
	} else {
		for i, wave := range waves {
			for _, name := range wave {
				r.steps[name] = i
			}
		}
	}
	if !r.useCache {
		return r, nil
	}

	st := e.cfg.store
	if st == nil {
		if ec.OutputDir == "" {
			err := &GraphError{Kind: ErrInvalidContext, Msg: "output_dir is required for the default cache store"}
			return nil, engineError(CodeContextInvalid, err)
		}
		fs, err := store.NewFileStore(filepath.Join(ec.OutputDir, "cache"))
		if err != nil {
			// An unusable cache directory degrades the run to uncached.
			r.cacheWarning(0, "", "", "open", err)
			r.useCache = false
			return r, nil
		}
		st = fs
		r.owned = fs
	}
	r.cache = NewCacheManager(st)
	r.cache.now = r.now
	return r, nil
}

func (r *run) close() {
	if r.owned == nil {
		return
	}
	if err := r.owned.Close(); err != nil {
		r.log.Error(err, "closing cache store")
	}
}

func (r *run) emit(step int, stage, msg string, meta map[string]interface{}) {
	r.e.cfg.emitter.Emit(emit.Event{
		RunID: r.ec.RunID,
		Step:  step,
		Stage: stage,
		Msg:   msg,
		Time:  r.now(),
		Meta:  meta,
	})
}

func (r *run) runSerial(ctx context.Context, order []string) error {
	for i, name := range order {
		if err := ctx.Err(); err != nil {
			r.cancelRemaining(order[i:], err)
			return engineError(CodeCancelled, err)
		}
		p, err := r.prepare(name)
		if err != nil {
			return engineError(CodeResolution, err)
		}
		if !p.done {
			r.execute(ctx, p)
		}
		if err := r.record(p); err != nil {
			return engineError(CodeResolution, err)
		}
	}
	return nil
}

func (r *run) runWaves(ctx context.Context, waves [][]string) error {
	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			var remaining []string
			for _, w := range waves[i:] {
				remaining = append(remaining, w...)
			}
			r.cancelRemaining(remaining, err)
			return engineError(CodeCancelled, err)
		}

		start := r.now()
		r.metrics.IncrementWaves()
		r.emit(i, "", emit.MsgWaveStart, map[string]interface{}{"stages": append([]string(nil), wave...)})

		// Inputs are resolved by the coordinator before any member starts, so
		// workers never read the result store.
		plans := make([]*plan, len(wave))
		var pending []*plan
		for j, name := range wave {
			p, err := r.prepare(name)
			if err != nil {
				return engineError(CodeResolution, err)
			}
			plans[j] = p
			if !p.done {
				pending = append(pending, p)
			}
		}

		r.dispatch(ctx, pending)

		failed := 0
		for _, p := range plans {
			if err := r.record(p); err != nil {
				return engineError(CodeResolution, err)
			}
			if !p.result.Success() {
				failed++
			}
		}
		r.emit(i, "", emit.MsgWaveEnd, map[string]interface{}{
			"duration_ms": r.now().Sub(start).Milliseconds(),
			"failed":      failed,
		})
	}
	return nil
}

// dispatch executes the pending plans of one wave and returns once all of
// them have finished. Each worker writes only its own plan.
func (r *run) dispatch(ctx context.Context, pending []*plan) {
	switch len(pending) {
	case 0:
		return
	case 1:
		r.execute(ctx, pending[0])
		return
	}
	p := pool.New().WithMaxGoroutines(r.ec.MaxWorkers)
	for _, pl := range pending {
		p.Go(func() { r.execute(ctx, pl) })
	}
	p.Wait()
}

// prepare applies the failure policy, resolves inputs and derives the cache
// key. The returned error is an internal invariant violation that aborts the
// run; stage-level problems are recorded on the plan instead.
func (r *run) prepare(name string) (*plan, error) {
	stage := r.e.dag.stage(name)
	p := &plan{stage: stage, step: r.steps[name]}
	start := r.now()

	deps := r.e.dag.Dependencies(name)
	var upstreamFailed []string
	for _, dep := range deps {
		res, ok := r.results.Get(dep)
		if !ok {
			return nil, &ResolutionError{Stage: name, Ref: dep, Err: ErrMissingDependency}
		}
		if !res.Success() {
			upstreamFailed = append(upstreamFailed, dep)
		}
	}
	if len(upstreamFailed) > 0 && r.ec.FailurePolicy == FailureSkip {
		err := &SkipError{Stage: name, Upstream: upstreamFailed}
		p.result = StageResult{
			StageName: name,
			Outcome:   Failure(err),
			Status:    StatusSkipped,
			StartedAt: start,
		}
		p.done = true
		r.log.Info("stage skipped", "stage", name, "upstream", upstreamFailed)
		r.emit(p.step, name, emit.MsgStageSkipped, map[string]interface{}{
			"error":    err.Error(),
			"upstream": upstreamFailed,
		})
		return p, nil
	}

	inputs, missing, err := ResolveInputs(stage, r.results, r.e.cfg.strictInputs)
	if err != nil {
		if errors.Is(err, ErrMissingDependency) {
			return nil, err
		}
		p.result = StageResult{
			StageName: name,
			Outcome:   Failure(&StageError{Stage: name, Err: err}),
			Status:    StatusFailed,
			StartedAt: start,
			Duration:  r.now().Sub(start),
		}
		p.done = true
		r.log.Error(err, "resolving inputs", "stage", name)
		r.emit(p.step, name, emit.MsgStageFailed, map[string]interface{}{"error": p.result.Error()})
		return p, nil
	}
	for _, m := range missing {
		r.log.Info("referenced field missing, using nil", "stage", name, "input", m.Input, "ref", m.Ref)
		r.emit(p.step, name, emit.MsgInputMissing, map[string]interface{}{"input": m.Input, "ref": m.Ref})
	}

	p.inputs = inputs
	p.key = computeKey(stage.Name, stage.Version, stage.LogicHash, inputs)
	return p, nil
}

// execute serves p from the cache when possible and invokes it otherwise.
func (r *run) execute(ctx context.Context, p *plan) {
	name := p.stage.Name
	if r.useCache && !r.forced[name] {
		start := r.now()
		data, hit, err := r.cache.Get(ctx, p.key)
		switch {
		case err != nil:
			r.metrics.IncrementCacheLookup("error")
			r.cacheWarning(p.step, name, p.key, "get", err)
		case hit:
			r.metrics.IncrementCacheLookup("hit")
			p.result = StageResult{
				StageName:  name,
				Outcome:    Success(data),
				Status:     StatusCached,
				StartedAt:  start,
				Duration:   r.now().Sub(start),
				CacheHit:   true,
				InputHash:  p.key,
				OutputHash: OutputHash(data),
			}
			r.log.V(1).Info("stage served from cache", "stage", name, "key", p.key)
			r.emit(p.step, name, emit.MsgStageCached, map[string]interface{}{
				"cache_key":   p.key,
				"output_hash": p.result.OutputHash,
			})
			return
		default:
			r.metrics.IncrementCacheLookup("miss")
		}
	}

	r.invoke(ctx, p)

	if r.useCache && p.result.Success() {
		if err := r.cache.Put(ctx, name, p.key, p.result.Outcome.data); err != nil {
			r.metrics.IncrementCacheWrite("error")
			r.cacheWarning(p.step, name, p.key, "put", err)
			return
		}
		r.metrics.IncrementCacheWrite("ok")
	}
}

func (r *run) invoke(ctx context.Context, p *plan) {
	name := p.stage.Name
	start := r.now()
	r.log.V(1).Info("stage started", "stage", name, "step", p.step)
	r.emit(p.step, name, emit.MsgStageStart, map[string]interface{}{
		"kind":      string(p.stage.Kind),
		"cache_key": p.key,
		"forced":    r.forced[name],
	})
	r.metrics.StageStarted()
	defer r.metrics.StageFinished()

	inv := Invocation{
		RunID:   r.ec.RunID,
		Stage:   name,
		Version: p.stage.Version,
		Inputs:  p.inputs,
	}
	out, err := runStage(ctx, p.stage, inv, stageTimeout(p.stage, r.e.cfg.stageTimeout))
	var data map[string]any
	if err == nil {
		data, err = normalizeOutput(out)
	}
	dur := r.now().Sub(start)

	if err != nil {
		p.result = StageResult{
			StageName: name,
			Outcome:   Failure(&StageError{Stage: name, Err: err}),
			Status:    StatusFailed,
			StartedAt: start,
			Duration:  dur,
			InputHash: p.key,
		}
		r.metrics.RecordStageLatency(name, dur, StatusFailed)
		r.log.Error(err, "stage failed", "stage", name)
		r.emit(p.step, name, emit.MsgStageFailed, map[string]interface{}{
			"error":       p.result.Error(),
			"duration_ms": dur.Milliseconds(),
		})
		return
	}

	p.result = StageResult{
		StageName:  name,
		Outcome:    Success(data),
		Status:     StatusSucceeded,
		StartedAt:  start,
		Duration:   dur,
		InputHash:  p.key,
		OutputHash: OutputHash(data),
	}
	r.metrics.RecordStageLatency(name, dur, StatusSucceeded)
	r.log.V(1).Info("stage finished", "stage", name, "duration", dur)
	r.emit(p.step, name, emit.MsgStageEnd, map[string]interface{}{
		"duration_ms": dur.Milliseconds(),
		"cache_key":   p.key,
		"output_hash": p.result.OutputHash,
	})
}

func (r *run) record(p *plan) error {
	if err := r.results.Put(p.result); err != nil {
		return err
	}
	r.metrics.IncrementResults(p.result.Status)
	return nil
}

// cancelRemaining records a failure for every listed stage that has no
// result yet.
func (r *run) cancelRemaining(names []string, cause error) {
	for _, name := range names {
		if r.results.Has(name) {
			continue
		}
		err := &StageError{Stage: name, Err: fmt.Errorf("not started: %w", cause)}
		res := StageResult{
			StageName: name,
			Outcome:   Failure(err),
			Status:    StatusFailed,
			StartedAt: r.now(),
		}
		if putErr := r.results.Put(res); putErr != nil {
			continue
		}
		r.metrics.IncrementResults(StatusFailed)
		r.emit(r.steps[name], name, emit.MsgStageFailed, map[string]interface{}{"error": err.Error()})
	}
}

// cacheWarning reports a cache I/O failure. The affected lookup is treated as
// a miss and the affected write is dropped.
func (r *run) cacheWarning(step int, stage, key, op string, err error) {
	r.log.Error(err, "cache "+op+" failed", "stage", stage, "key", key)
	meta := map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	}
	if key != "" {
		meta["cache_key"] = key
	}
	r.emit(step, stage, emit.MsgCacheError, meta)
}
