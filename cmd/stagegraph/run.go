package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/config"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		Args:  cobra.NoArgs,
		RunE:  runPipeline,
	}
	flags := cmd.Flags()
	flags.String("mode", "", "execution mode: serial, parallel or incremental")
	flags.StringSlice("force", nil, "stages to rerun regardless of the cache")
	flags.Bool("no-cache", false, "disable cache lookups and writes")
	flags.Int("workers", 0, "maximum concurrent stages per wave")
	flags.String("run-id", "", "run identifier (default: generated)")
	flags.String("output-dir", "", "run output directory")
	flags.String("events", "", "event output: text, json or none")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

// applyOverrides copies flags the user set onto cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("force") {
		force, _ := flags.GetStringSlice("force")
		cfg.ForceRerun = append(cfg.ForceRerun, force...)
	}
	if flags.Changed("no-cache") {
		noCache, _ := flags.GetBool("no-cache")
		useCache := !noCache
		cfg.UseCache = &useCache
	}
	if flags.Changed("workers") {
		cfg.MaxWorkers, _ = flags.GetInt("workers")
	}
	if flags.Changed("run-id") {
		cfg.RunID, _ = flags.GetString("run-id")
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("events") {
		cfg.Events.Format, _ = flags.GetString("events")
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = flags.GetString("metrics-listen")
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	dag, err := cfg.BuildDAG()
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}

	log := newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	ec := cfg.ExecutionContext()
	registry := prometheus.NewRegistry()
	opts := append(cfg.EngineOptions(),
		graph.WithLogger(log),
		graph.WithMetrics(graph.NewPrometheusMetrics(registry)),
	)

	if ec.UseCache && ec.Mode == graph.ModeIncremental {
		st, err := cfg.OpenStore(ctx)
		if err != nil {
			log.Error(err, "cache unavailable, running without cache")
			ec.UseCache = false
		} else {
			defer closeStore(st, log)
			opts = append(opts, graph.WithStore(st))
		}
	}

	emitter, flush, err := newEmitter(cfg.Events, cmd.ErrOrStderr(), log)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	defer flush()
	if emitter != nil {
		opts = append(opts, graph.WithEmitter(emitter))
	}

	engine, err := graph.New(dag, opts...)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}

	var srv *metricsServer
	if cfg.Metrics.Listen != "" {
		if srv, err = listenMetrics(cfg.Metrics.Listen, registry, log); err != nil {
			return &ExitError{Code: ExitUsage, Err: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if srv != nil {
		g.Go(func() error { return srv.Serve(serveCtx) })
	}

	var (
		report *graph.RunReport
		runErr error
	)
	g.Go(func() error {
		defer stopServe()
		report, runErr = engine.Run(gctx, ec)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error(err, "metrics server failed")
	}

	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	return runResult(report, runErr)
}

// runResult maps the run outcome to an exit error.
func runResult(report *graph.RunReport, runErr error) error {
	if runErr != nil {
		var engErr *graph.EngineError
		if errors.As(runErr, &engErr) {
			switch engErr.Code {
			case graph.CodeContextInvalid, graph.CodeCycle, graph.CodeGraphInvalid:
				return &ExitError{Code: ExitUsage, Err: runErr}
			}
		}
		return &ExitError{Code: ExitAborted, Err: runErr}
	}
	if failed := report.Failed(); len(failed) > 0 {
		return &ExitError{Code: ExitStagesFailed, Err: fmt.Errorf("%d stage(s) failed: %v", len(failed), failed)}
	}
	return nil
}

// newEmitter builds the event sinks for cfg. The returned flush waits for
// outstanding Kafka records and closes the client.
func newEmitter(cfg config.EventsConfig, w io.Writer, log logr.Logger) (emit.Emitter, func(), error) {
	var sinks []emit.Emitter
	switch cfg.Format {
	case "none":
	case "json":
		sinks = append(sinks, emit.NewLogEmitter(w, true))
	default:
		sinks = append(sinks, emit.NewLogEmitter(w, false))
	}

	flush := func() {}
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		kafka := emit.NewKafkaEmitter(client, cfg.Kafka.Topic, log.WithName("kafka"))
		sinks = append(sinks, kafka)
		flush = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := kafka.Flush(ctx); err != nil {
				log.Error(err, "kafka flush incomplete")
			}
			if n := kafka.Failures(); n > 0 {
				log.Info("kafka delivery failures", "count", n)
			}
			client.Close()
		}
	}

	switch len(sinks) {
	case 0:
		return nil, flush, nil
	case 1:
		return sinks[0], flush, nil
	}
	return emit.NewMultiEmitter(sinks...), flush, nil
}

func closeStore(st store.Store, log logr.Logger) {
	if err := st.Close(); err != nil {
		log.Error(err, "closing cache store")
	}
}

// printReport writes one row per stage in execution order.
func printReport(w io.Writer, report *graph.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tKEY\tERROR")
	for _, name := range report.Order {
		res, ok := report.Results[name]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			name, res.Status, res.Duration.Round(time.Millisecond), res.InputHash, res.Error())
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "run %s (%s): %d stages in %s, %d failed\n",
		report.RunID, report.Mode, len(report.Results),
		report.Duration.Round(time.Millisecond), len(report.Failed()))
}
