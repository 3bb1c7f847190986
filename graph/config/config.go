// Package config loads run configurations and pipeline definitions.
//
// A file holds both the execution settings of a run and the stages it
// executes. YAML (.yaml, .yml) and HCL (.hcl) files describe the same
// structure:
//
//	run_id: nightly
//	output_dir: ./out
//	mode: incremental
//	max_workers: 4
//	failure_policy: skip
//	cache:
//	  backend: file
//	stages:
//	  - name: a
//	    version: "1"
//	    command: ["python3", "a.py"]
//	    inputs: {value: 10}
//	    logic_files: [a.py]
//
// Every declared stage runs as a subprocess speaking the protocol of package
// subprocess.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/jsonval"
)

// ErrUnsupportedFormat is returned by Load for unknown file extensions.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config is a run configuration plus its pipeline.
type Config struct {
	RunID         string   `yaml:"run_id"`
	OutputDir     string   `yaml:"output_dir"`
	Mode          string   `yaml:"mode"`
	UseCache      *bool    `yaml:"use_cache"`
	ForceRerun    []string `yaml:"force_rerun"`
	MaxWorkers    int      `yaml:"max_workers"`
	FailurePolicy string   `yaml:"failure_policy"`
	StrictInputs  bool     `yaml:"strict_inputs"`
	StageTimeout  Duration `yaml:"stage_timeout"`

	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`

	Stages []StageConfig `yaml:"stages"`

	// BaseDir resolves relative paths (output_dir, logic_files, stage dirs).
	// Load sets it to the directory of the file.
	BaseDir string `yaml:"-"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	// Backend is one of file (default), memory, sqlite, mysql, pebble, s3.
	Backend string `yaml:"backend"`

	// DSN is the sqlite path, mysql DSN, pebble directory or file store
	// directory. Environment variables are expanded.
	DSN string `yaml:"dsn"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configures the s3 backend. Credentials are expanded from the
// environment, so "$AWS_SECRET_ACCESS_KEY" is a valid value.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// EventsConfig configures where run events go.
type EventsConfig struct {
	Format string      `yaml:"format"` // text, json, none
	Kafka  KafkaConfig `yaml:"kafka"`
}

// KafkaConfig publishes events to a topic when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// StageConfig declares one subprocess stage.
type StageConfig struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Command     []string       `yaml:"command"`
	Env         []string       `yaml:"env"`
	Dir         string         `yaml:"dir"`
	Inputs      map[string]any `yaml:"inputs"`
	Outputs     []string       `yaml:"outputs"`
	SideEffects []string       `yaml:"side_effects"`
	LogicFiles  []string       `yaml:"logic_files"`
	Timeout     Duration       `yaml:"timeout"`
}

// Duration is a time.Duration written as text ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return Duration(parsed), nil
}

// Load reads and validates the configuration at path. The format follows
// the extension.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(src)
	case ".hcl":
		cfg, err = ParseHCL(src, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.BaseDir = filepath.Dir(abs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document. It does not validate.
func ParseYAML(src []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(src, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize converts stage inputs to JSON data types, so a value decodes the
// same from either format.
func (c *Config) normalize() error {
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Inputs == nil {
			continue
		}
		b, err := json.Marshal(s.Inputs)
		if err != nil {
			return fmt.Errorf("stage %s: inputs: %w", s.Name, err)
		}
		var inputs map[string]any
		if err := jsonval.Unmarshal(b, &inputs); err != nil {
			return fmt.Errorf("stage %s: inputs: %w", s.Name, err)
		}
		s.Inputs = jsonval.ConvertMap(inputs)
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := graph.ParseMode(c.Mode); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := graph.ParseFailurePolicy(c.FailurePolicy); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.MaxWorkers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers))
	}
	if c.StageTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("stage_timeout must not be negative"))
	}

	switch c.Cache.Backend {
	case "", "file", "memory", "sqlite", "pebble":
	case "mysql":
		if c.Cache.DSN == "" {
			errs = multierr.Append(errs, errors.New("cache.dsn is required for the mysql backend"))
		}
	case "s3":
		if c.Cache.S3.Endpoint == "" || c.Cache.S3.Bucket == "" {
			errs = multierr.Append(errs, errors.New("cache.s3.endpoint and cache.s3.bucket are required for the s3 backend"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Events.Format {
	case "", "text", "json", "none":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown events format %q", c.Events.Format))
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		errs = multierr.Append(errs, errors.New("events.kafka.topic is required when brokers are set"))
	}

	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		switch {
		case s.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("stages[%d]: name is required", i))
		case seen[s.Name]:
			errs = multierr.Append(errs, fmt.Errorf("stages[%d]: duplicate stage %q", i, s.Name))
		}
		seen[s.Name] = true
		if len(s.Command) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("stage %q: command is required", s.Name))
		}
		if s.Timeout < 0 {
			errs = multierr.Append(errs, fmt.Errorf("stage %q: timeout must not be negative", s.Name))
		}
	}
	return errs
}

// ExecutionContext returns the graph execution settings. Caching defaults to
// on.
func (c *Config) ExecutionContext() graph.ExecutionContext {
	mode, _ := graph.ParseMode(c.Mode)
	policy, _ := graph.ParseFailurePolicy(c.FailurePolicy)
	useCache := true
	if c.UseCache != nil {
		useCache = *c.UseCache
	}
	return graph.ExecutionContext{
		RunID:         c.RunID,
		OutputDir:     c.resolve(c.OutputDir),
		Mode:          mode,
		UseCache:      useCache,
		ForceRerun:    append([]string(nil), c.ForceRerun...),
		MaxWorkers:    c.MaxWorkers,
		FailurePolicy: policy,
	}
}

// EngineOptions returns the engine options the configuration implies.
func (c *Config) EngineOptions() []graph.Option {
	return []graph.Option{
		graph.WithStrictInputs(c.StrictInputs),
		graph.WithStageTimeout(c.StageTimeout.Duration()),
	}
}

// resolve makes p absolute against BaseDir.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}
