package main

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/logflow/logstream/pkg/config"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/export"
	"github.com/logflow/logstream/pkg/lifecycle"
	"github.com/logflow/logstream/pkg/parser"
	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/telemetry"
	"github.com/logflow/logstream/pkg/tui"
	"github.com/logflow/logstream/pkg/writer"
)

func newLogger(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.Sampling = nil
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	m := config.NewManager()
	if err := m.Load(configFile); err != nil {
		return nil, err
	}
	cfg := m.Get()
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: logger})
	ctx, stop := shutdown.HandleSignals(cmd.Context())
	defer stop()
	defer shutdown.Shutdown(context.Background())

	stderr := cmd.ErrOrStderr()
	r := &runner{cfg: cfg, logger: logger, shutdown: shutdown, stderr: stderr}
	return r.run(ctx, args, cmd.OutOrStdout())
}

type runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown *lifecycle.ShutdownManager
	stderr   io.Writer

	tracing  *telemetry.Tracing
	progress *tui.Progress
	exporter *export.Exporter
}

func (r *runner) run(ctx context.Context, paths []string, stdout io.Writer) error {
	cfg := r.cfg

	format, err := writer.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	out := writer.New(stdout, writer.Config{Format: format, Keys: cfg.Output.Keys, WithSpan: cfg.Output.WithSpan})

	chain, err := buildChain(cfg.Stages, out)
	if err != nil {
		return err
	}
	opts, err := buildEngineOptions(cfg, r.logger, out)
	if err != nil {
		return err
	}

	observers, err := r.observers(ctx)
	if err != nil {
		return err
	}
	opts.Observer = pipeline.Observers(observers...)

	if cfg.Output.DeadLetter != "" {
		dl, err := pipeline.OpenDeadLetterFile(cfg.Output.DeadLetter)
		if err != nil {
			return lserrors.Wrapf(err, lserrors.CodeConfig, "open dead letter file %s", cfg.Output.DeadLetter)
		}
		r.shutdown.Register("dead-letter", lifecycle.CloserFunc(func(context.Context) error { return dl.Close() }))
		opts.DeadLetter = dl
	}

	engine, err := pipeline.New(chain, opts)
	if err != nil {
		return err
	}

	dec, err := parser.NewDecoder(parser.ParseFormat(cfg.Input.Format))
	if err != nil {
		return err
	}
	src := parser.NewReader(dec, paths,
		parser.WithFollow(cfg.Input.Follow),
		parser.WithLogger(r.logger))

	runCtx := ctx
	if r.tracing != nil {
		runCtx = r.tracing.StartRun(ctx, engine.RunID(), engine.Mode())
	}

	sum, runErr := engine.Run(runCtx, src, out)
	if err := out.Flush(); err != nil && runErr == nil {
		runErr = lserrors.Wrap(err, lserrors.CodeSink, "flush output")
	}
	if r.progress != nil {
		_ = r.progress.Finish()
	}
	if sum == nil {
		return runErr
	}
	if r.tracing != nil {
		r.tracing.EndRun(sum)
	}

	if cfg.Output.Stats || sum.Failed() {
		tui.PrintSummary(r.stderr, sum)
	}
	if cfg.Output.Metrics {
		tui.PrintMetrics(r.stderr, sum)
	}
	if r.exporter != nil {
		// The run context may already be canceled; the export still runs.
		if err := r.exporter.Export(context.Background(), sum); err != nil {
			r.logger.Warn("metrics export failed", zap.Error(err))
		}
	}

	if sum.Failed() {
		return errRunFailed
	}
	if runErr == nil && sum.Canceled && r.shutdown.Signaled() != nil {
		return errInterrupted
	}
	return runErr
}

// observers starts the configured telemetry and registers its shutdown.
func (r *runner) observers(ctx context.Context) ([]pipeline.Observer, error) {
	cfg := r.cfg
	var obs []pipeline.Observer

	if cfg.Telemetry.OTLPEndpoint != "" {
		exp := telemetry.NewOTLPExporter(telemetry.DefaultOTLPConfig(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName))
		if err := exp.Init(ctx); err != nil {
			return nil, lserrors.Wrap(err, lserrors.CodeConfig, "start tracing")
		}
		r.shutdown.Register("otlp", lifecycle.CloserFunc(exp.Shutdown))
		r.tracing = telemetry.NewTracing(exp.Tracer())
		obs = append(obs, r.tracing)
	}

	if cfg.Telemetry.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := telemetry.NewMetrics(reg)
		if err != nil {
			return nil, err
		}
		srv, err := telemetry.Serve(cfg.Telemetry.MetricsAddr, reg)
		if err != nil {
			return nil, lserrors.Wrapf(err, lserrors.CodeConfig, "listen on %s", cfg.Telemetry.MetricsAddr)
		}
		r.logger.Info("serving metrics", zap.String("addr", srv.Addr()))
		r.shutdown.Register("metrics", lifecycle.CloserFunc(srv.Shutdown))
		obs = append(obs, m)
	}

	if cfg.Export.Redis.Addr != "" {
		rc := export.DefaultRedisConfig(cfg.Export.Redis.Addr)
		rc.Password = cfg.Export.Redis.Password
		rc.Database = cfg.Export.Redis.DB
		if cfg.Export.Redis.TTL > 0 {
			rc.TTL = cfg.Export.Redis.TTL
		}
		x, err := export.NewRedisExporter(ctx, rc, r.logger)
		if err != nil {
			return nil, lserrors.Wrap(err, lserrors.CodeConfig, "connect export redis")
		}
		r.shutdown.Register("redis", lifecycle.CloserFunc(x.Close))
		r.exporter = x
	}

	if progress {
		r.progress = tui.NewProgress(r.stderr, "events")
		obs = append(obs, r.progress)
	}
	return obs, nil
}
