package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/logstream/pkg/config"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/script"
	"github.com/logflow/logstream/pkg/span"
	"github.com/logflow/logstream/pkg/stage"
)

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, lserrors.Config("--%s: invalid duration %q", name, s)
	}
	return d, nil
}

// buildChain compiles the configured stages in order. Script output goes
// to out.
func buildChain(stages []config.StageConfig, out io.Writer) (*stage.Chain, error) {
	list := make([]stage.Stage, 0, len(stages))
	for i, sc := range stages {
		switch strings.ToLower(sc.Kind) {
		case "level":
			if len(sc.Deny) > 0 {
				list = append(list, stage.NewLevelDeny(sc.Deny...))
			} else {
				list = append(list, stage.NewLevelAllow(sc.Allow...))
			}
		case "filter":
			f, err := script.CompileFilter(sc.Script, script.WithOutput(out))
			if err != nil {
				return nil, withStage(err, i)
			}
			list = append(list, stage.NewPredicate(fmt.Sprintf("filter#%d", i), f))
		case "exec":
			x, err := script.CompileExec(sc.Script, script.WithOutput(out))
			if err != nil {
				return nil, withStage(err, i)
			}
			list = append(list, stage.NewTransform(fmt.Sprintf("exec#%d", i), x))
		default:
			return nil, lserrors.Config("unknown stage kind %q", sc.Kind).WithContext("stage", i)
		}
	}
	return stage.NewChain(list...), nil
}

func withStage(err error, i int) error {
	if e, ok := err.(*lserrors.Error); ok {
		return e.WithContext("stage", i)
	}
	return err
}

// compileHook returns nil for an empty script so that the engine sees a
// nil interface.
func compileHook(name, src string, out io.Writer) (pipeline.Hook, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	h, err := script.CompileHook(src, script.WithOutput(out))
	if err != nil {
		return nil, lserrors.Wrapf(err, lserrors.CodeConfig, "%s script", name)
	}
	return h, nil
}

// buildEngineOptions maps the configuration onto engine options. The
// observer, dead-letter writer and run id are filled in by the caller.
func buildEngineOptions(cfg *config.Config, logger *zap.Logger, out io.Writer) (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()

	mode, err := pipeline.ParseMode(cfg.Engine.Mode)
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	if cfg.Engine.Workers > 0 {
		opts.Workers = cfg.Engine.Workers
	}
	if cfg.Engine.BatchSize > 0 {
		opts.BatchSize = cfg.Engine.BatchSize
	}
	if cfg.Engine.BatchTimeout > 0 {
		opts.BatchTimeout = cfg.Engine.BatchTimeout
	}
	opts.Ordered = cfg.Engine.Ordered
	opts.MaxErrors = cfg.Engine.MaxErrors
	opts.WindowSize = cfg.Engine.WindowSize
	if cfg.Engine.Strict {
		opts.Policy = pipeline.PolicyStrict
	}
	opts.Logger = logger

	spanCfg, err := cfg.SpanConfig()
	if err != nil {
		return opts, err
	}
	opts.Span = spanCfg
	if spanCfg != nil && strings.TrimSpace(cfg.Span.Script) != "" {
		h, err := script.CompileHook(cfg.Span.Script, script.WithOutput(out))
		if err != nil {
			return opts, lserrors.Wrap(err, lserrors.CodeConfig, "span script")
		}
		opts.SpanHook = span.ScriptHook(h)
	}

	if opts.Begin, err = compileHook("begin", cfg.Scripts.Begin, out); err != nil {
		return opts, err
	}
	if opts.End, err = compileHook("end", cfg.Scripts.End, out); err != nil {
		return opts, err
	}
	return opts, nil
}
