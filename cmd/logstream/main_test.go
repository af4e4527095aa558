package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/logflow/logstream/internal/model"
	"github.com/logflow/logstream/pkg/config"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/lifecycle"
	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/stage"
)

const accessLog = `{"level":"info","status":200,"path":"/a"}
{"level":"error","status":500,"path":"/b"}
{"level":"error","status":503,"path":"/a"}
{"level":"debug","status":500,"path":"/c"}
`

func parseFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "logstream"}
	registerFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplyFlags(t *testing.T) {
	cmd := parseFlags(t,
		"--mode", "PARALLEL", "--workers", "3", "--batch-timeout", "50ms", "--unordered",
		"--level", "error,warn", "--filter", "e.status >= 500", "--exec", `track_count(e.path)`,
		"--keys", "path,status", "-o", "json")

	cfg := config.Default()
	cfg.Stages = []config.StageConfig{{Kind: "level", Deny: []string{"trace"}}}
	require.NoError(t, applyFlags(cmd.Flags(), cfg))

	assert.Equal(t, "parallel", cfg.Engine.Mode)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.BatchTimeout)
	assert.False(t, cfg.Engine.Ordered)
	assert.Equal(t, 1000, cfg.Engine.BatchSize, "unset flags keep configured values")
	assert.Equal(t, []string{"path", "status"}, cfg.Output.Keys)
	assert.Equal(t, "json", cfg.Output.Format)

	var kinds []string
	for _, s := range cfg.Stages {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []string{"level", "level", "filter", "exec"}, kinds, "flag stages follow configured stages")
	assert.Equal(t, []string{"error", "warn"}, cfg.Stages[1].Allow)
}

func TestApplyFlags_BadDuration(t *testing.T) {
	cmd := parseFlags(t, "--batch-timeout", "soon")
	err := applyFlags(cmd.Flags(), config.Default())
	assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig))
}

func TestBuildChain(t *testing.T) {
	chain, err := buildChain([]config.StageConfig{
		{Kind: "level", Allow: []string{"error"}},
		{Kind: "filter", Script: "e.status >= 500"},
		{Kind: "exec", Script: `tag = "hot"`},
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, 3, chain.Len())

	ctx := &stage.Context{}
	e := model.NewEventFromMap(map[string]interface{}{"level": "error", "status": 502})
	out, keep, err := chain.Run(e, ctx)
	require.NoError(t, err)
	require.True(t, keep)
	v, _ := out.Get("tag")
	assert.Equal(t, "hot", v)

	_, err = buildChain([]config.StageConfig{{Kind: "filter", Script: "e.status >="}}, &bytes.Buffer{})
	assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig))
}

func TestBuildEngineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Strict = true
	cfg.Engine.Workers = 2
	cfg.Span.Every = "10"
	cfg.Span.Script = "print(span.id)"
	cfg.Scripts.End = `print(metrics)`

	opts, err := buildEngineOptions(cfg, zaptest.NewLogger(t), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.PolicyStrict, opts.Policy)
	assert.Equal(t, 2, opts.Workers)
	require.NotNil(t, opts.Span)
	assert.NotNil(t, opts.SpanHook)
	assert.Nil(t, opts.Begin, "no begin script leaves a nil hook")
	assert.NotNil(t, opts.End)
}

func newTestRunner(t *testing.T, cfg *config.Config) (*runner, *bytes.Buffer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	var stderr bytes.Buffer
	return &runner{
		cfg:      cfg,
		logger:   logger,
		shutdown: lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: logger}),
		stderr:   &stderr,
	}, &stderr
}

func writeLog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRun(t *testing.T) {
	for _, mode := range []string{"sequential", "parallel"} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.Default()
			cfg.Engine.Mode = mode
			cfg.Engine.BatchSize = 2
			cfg.Stages = []config.StageConfig{
				{Kind: "level", Allow: []string{"error"}},
				{Kind: "filter", Script: "e.status >= 500"},
				{Kind: "exec", Script: `track_count(e.path)`},
			}
			cfg.Output.Keys = []string{"path", "status"}
			cfg.Output.Metrics = true

			r, stderr := newTestRunner(t, cfg)
			var stdout bytes.Buffer
			require.NoError(t, r.run(context.Background(), []string{writeLog(t, accessLog)}, &stdout))

			assert.Equal(t, "path=/b status=500\npath=/a status=503\n", stdout.String())
			assert.Contains(t, stderr.String(), "METRICS")
			require.NoError(t, r.shutdown.Shutdown(context.Background()))
		})
	}
}

// A count span closes while its last event is processed, before that event
// is written.
func TestRun_SpanScriptSharesOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Span.Every = "2"
	cfg.Span.Script = `print("span", span.id)`
	cfg.Output.Keys = []string{"path"}

	r, _ := newTestRunner(t, cfg)
	var stdout bytes.Buffer
	require.NoError(t, r.run(context.Background(), []string{writeLog(t, accessLog)}, &stdout))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Equal(t, []string{"path=/a", "span #0", "path=/b", "path=/a", "span #1", "path=/c"}, lines)
}

func TestRun_ErrorsFailTheRun(t *testing.T) {
	cfg := config.Default()
	cfg.Output.DeadLetter = filepath.Join(t.TempDir(), "dead.jsonl")

	r, stderr := newTestRunner(t, cfg)
	var stdout bytes.Buffer
	err := r.run(context.Background(), []string{writeLog(t, "{\"n\":1}\nnot json\n")}, &stdout)
	assert.ErrorIs(t, err, errRunFailed)
	assert.Equal(t, "n=1\n", stdout.String())
	assert.NotEmpty(t, stderr.String(), "summary is printed for failed runs")

	require.NoError(t, r.shutdown.Shutdown(context.Background()))
	dead, err := os.ReadFile(cfg.Output.DeadLetter)
	require.NoError(t, err)
	assert.Contains(t, string(dead), "not json")
}

func TestRun_ConfigErrorBeforeInput(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Mode = "parallel"
	cfg.Stages = []config.StageConfig{{Kind: "exec", Script: `state_set("k", 1)`}}

	r, _ := newTestRunner(t, cfg)
	var stdout bytes.Buffer
	err := r.run(context.Background(), []string{filepath.Join(t.TempDir(), "never-opened.log")}, &stdout)
	assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig), "got %v", err)
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), version)
}
