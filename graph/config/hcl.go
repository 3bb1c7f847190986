package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclRoot mirrors Config in HCL syntax. Stages are labeled blocks:
//
//	stage "b" {
//	  version = "1"
//	  command = ["python3", "b.py"]
//	  inputs  = { value = "a.value" }
//	}
type hclRoot struct {
	RunID         string   `hcl:"run_id,optional"`
	OutputDir     string   `hcl:"output_dir,optional"`
	Mode          string   `hcl:"mode,optional"`
	UseCache      *bool    `hcl:"use_cache,optional"`
	ForceRerun    []string `hcl:"force_rerun,optional"`
	MaxWorkers    int      `hcl:"max_workers,optional"`
	FailurePolicy string   `hcl:"failure_policy,optional"`
	StrictInputs  bool     `hcl:"strict_inputs,optional"`
	StageTimeout  string   `hcl:"stage_timeout,optional"`

	Cache   *hclCache   `hcl:"cache,block"`
	Log     *hclLog     `hcl:"log,block"`
	Metrics *hclMetrics `hcl:"metrics,block"`
	Events  *hclEvents  `hcl:"events,block"`
	Stages  []hclStage  `hcl:"stage,block"`
}

type hclCache struct {
	Backend string `hcl:"backend,optional"`
	DSN     string `hcl:"dsn,optional"`
	S3      *hclS3 `hcl:"s3,block"`
}

type hclS3 struct {
	Endpoint  string `hcl:"endpoint,optional"`
	Bucket    string `hcl:"bucket,optional"`
	Prefix    string `hcl:"prefix,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Secure    bool   `hcl:"secure,optional"`
}

type hclLog struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

type hclMetrics struct {
	Listen string `hcl:"listen,optional"`
}

type hclEvents struct {
	Format string    `hcl:"format,optional"`
	Kafka  *hclKafka `hcl:"kafka,block"`
}

type hclKafka struct {
	Brokers []string `hcl:"brokers,optional"`
	Topic   string   `hcl:"topic,optional"`
}

type hclStage struct {
	Name        string    `hcl:"name,label"`
	Version     string    `hcl:"version,optional"`
	Command     []string  `hcl:"command"`
	Env         []string  `hcl:"env,optional"`
	Dir         string    `hcl:"dir,optional"`
	Inputs      cty.Value `hcl:"inputs,optional"`
	Outputs     []string  `hcl:"outputs,optional"`
	SideEffects []string  `hcl:"side_effects,optional"`
	LogicFiles  []string  `hcl:"logic_files,optional"`
	Timeout     string    `hcl:"timeout,optional"`
}

// ParseHCL decodes an HCL document. filename is used in diagnostics.
// Unknown attributes and blocks are errors. It does not validate.
func ParseHCL(src []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %w", diags)
	}
	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %w", diags)
	}
	return root.config()
}

func (r *hclRoot) config() (*Config, error) {
	timeout, err := parseDuration(r.StageTimeout)
	if err != nil {
		return nil, fmt.Errorf("stage_timeout: %w", err)
	}
	cfg := &Config{
		RunID:         r.RunID,
		OutputDir:     r.OutputDir,
		Mode:          r.Mode,
		UseCache:      r.UseCache,
		ForceRerun:    r.ForceRerun,
		MaxWorkers:    r.MaxWorkers,
		FailurePolicy: r.FailurePolicy,
		StrictInputs:  r.StrictInputs,
		StageTimeout:  timeout,
	}
	if r.Cache != nil {
		cfg.Cache = CacheConfig{Backend: r.Cache.Backend, DSN: r.Cache.DSN}
		if s3 := r.Cache.S3; s3 != nil {
			cfg.Cache.S3 = S3Config(*s3)
		}
	}
	if r.Log != nil {
		cfg.Log = LogConfig(*r.Log)
	}
	if r.Metrics != nil {
		cfg.Metrics = MetricsConfig(*r.Metrics)
	}
	if r.Events != nil {
		cfg.Events.Format = r.Events.Format
		if k := r.Events.Kafka; k != nil {
			cfg.Events.Kafka = KafkaConfig(*k)
		}
	}

	for _, s := range r.Stages {
		timeout, err := parseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("stage %s: timeout: %w", s.Name, err)
		}
		var inputs map[string]any
		if s.Inputs.Type() != cty.NilType && !s.Inputs.IsNull() {
			v, err := ctyToGo(s.Inputs)
			if err != nil {
				return nil, fmt.Errorf("stage %s: inputs: %w", s.Name, err)
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("stage %s: inputs must be an object, got %s", s.Name, s.Inputs.Type().FriendlyName())
			}
			inputs = m
		}
		cfg.Stages = append(cfg.Stages, StageConfig{
			Name:        s.Name,
			Version:     s.Version,
			Command:     s.Command,
			Env:         s.Env,
			Dir:         s.Dir,
			Inputs:      inputs,
			Outputs:     s.Outputs,
			SideEffects: s.SideEffects,
			LogicFiles:  s.LogicFiles,
			Timeout:     timeout,
		})
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ctyToGo converts a cty value into JSON-compatible Go data.
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			gv, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			gv, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
}
