package graph

import (
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(dag,
//	    graph.WithStore(store.NewMemStore()),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    graph.WithStageTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	emitter      emit.Emitter
	store        store.Store
	metrics      *PrometheusMetrics
	logger       logr.Logger
	strictInputs bool
	stageTimeout time.Duration
	now          func() time.Time
}

func defaultConfig() engineConfig {
	return engineConfig{
		emitter: emit.NewNullEmitter(),
		logger:  logr.Discard(),
		now:     time.Now,
	}
}

// WithEmitter sets the destination of run events.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return errors.New("emitter cannot be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithStore injects the cache store used in incremental mode. The engine does
// not close an injected store.
//
// Default: a store.FileStore rooted at <OutputDir>/cache, opened per run.
func WithStore(s store.Store) Option {
	return func(cfg *engineConfig) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		cfg.store = s
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger. Warnings (cache I/O errors, missing fields)
// are logged at V(0); per-stage progress at V(1).
//
// Default: logr.Discard().
func WithLogger(log logr.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = log
		return nil
	}
}

// WithStrictInputs makes a reference to a missing upstream field fail the
// consuming stage instead of resolving to nil.
//
// Default: false.
func WithStrictInputs(strict bool) Option {
	return func(cfg *engineConfig) error {
		cfg.strictInputs = strict
		return nil
	}
}

// WithStageTimeout sets the deadline for stages without their own Timeout.
//
// Default: 0 (no limit).
func WithStageTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("stage timeout cannot be negative")
		}
		cfg.stageTimeout = d
		return nil
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}
