package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/span"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	user := writeFile(t, dir, "user.yaml", `
engine:
  mode: parallel
  workers: 4
  batch_timeout: 50ms
output:
  keys: [msg, level]
stages:
  - kind: level
    allow: [error]
`)
	project := writeFile(t, dir, "project.yaml", `
engine:
  workers: 8
  ordered: false
stages:
  - kind: filter
    script: e.status >= 500
`)
	explicit := writeFile(t, dir, "explicit.yaml", `
span:
  every: 5m
  script: print(span.id)
`)

	m := NewManager(
		WithSearchPaths(user, filepath.Join(dir, "missing.yaml"), project),
		WithEnv(envMap(map[string]string{"LOGSTREAM_BATCH_SIZE": "64", "LOGSTREAM_STRICT": "true"})),
	)
	require.NoError(t, m.Load(explicit))
	cfg := m.Get()

	assert.Equal(t, []string{user, project, explicit}, m.GetPaths())
	assert.Equal(t, "parallel", cfg.Engine.Mode)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.BatchTimeout)
	assert.False(t, cfg.Engine.Ordered)
	assert.Equal(t, 64, cfg.Engine.BatchSize)
	assert.True(t, cfg.Engine.Strict)
	assert.Equal(t, []string{"msg", "level"}, cfg.Output.Keys)
	assert.Equal(t, "logfmt", cfg.Output.Format, "defaults survive")
	require.Len(t, cfg.Stages, 1, "later files replace the stage list")
	assert.Equal(t, "filter", cfg.Stages[0].Kind)
	assert.Equal(t, "5m", cfg.Span.Every)
}

func TestLoad_ExplicitMustExist(t *testing.T) {
	m := NewManager(WithSearchPaths(), WithEnv(envMap(nil)))
	err := m.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig))
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "engine: [")
	m := NewManager(WithSearchPaths(path), WithEnv(envMap(nil)))
	assert.Error(t, m.Load(""))
}

func TestLoad_BadEnv(t *testing.T) {
	for name, value := range map[string]string{
		"LOGSTREAM_WORKERS":       "many",
		"LOGSTREAM_BATCH_TIMEOUT": "soon",
		"LOGSTREAM_ORDERED":       "perhaps",
	} {
		t.Run(name, func(t *testing.T) {
			m := NewManager(WithSearchPaths(), WithEnv(envMap(map[string]string{name: value})))
			err := m.Load("")
			require.Error(t, err)
			assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown mode", func(c *Config) { c.Engine.Mode = "turbo" }, true},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, true},
		{"negative window", func(c *Config) { c.Engine.WindowSize = -3 }, true},
		{"bad span", func(c *Config) { c.Span.Every = "sometimes" }, true},
		{"zero count span", func(c *Config) { c.Span.Every = "0" }, true},
		{"span script without span", func(c *Config) { c.Span.Script = "print(1)" }, true},
		{"level both lists", func(c *Config) {
			c.Stages = []StageConfig{{Kind: "level", Allow: []string{"info"}, Deny: []string{"debug"}}}
		}, true},
		{"filter without script", func(c *Config) { c.Stages = []StageConfig{{Kind: "filter"}} }, true},
		{"unknown stage", func(c *Config) { c.Stages = []StageConfig{{Kind: "map", Script: "x"}} }, true},
		{"unknown input", func(c *Config) { c.Input.Format = "xml" }, true},
		{"unknown output", func(c *Config) { c.Output.Format = "yaml" }, true},
		{"valid stages", func(c *Config) {
			c.Stages = []StageConfig{{Kind: "level", Deny: []string{"debug"}}, {Kind: "exec", Script: "x = 1"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			_, err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_SpanParallelFallback(t *testing.T) {
	c := Default()
	c.Engine.Mode = "parallel"
	c.Span.Every = "100"
	fallbacks, err := c.Validate()
	require.NoError(t, err)
	assert.Len(t, fallbacks, 1)
}

func TestSpanConfig(t *testing.T) {
	c := Default()
	sc, err := c.SpanConfig()
	require.NoError(t, err)
	assert.Nil(t, sc)

	c.Span.Every = "idle:30s"
	c.Engine.Strict = true
	sc, err = c.SpanConfig()
	require.NoError(t, err)
	assert.Equal(t, span.ModeIdle, sc.Mode)
	assert.Equal(t, 30*time.Second, sc.Idle)
	assert.True(t, sc.Strict)
	assert.Equal(t, span.DefaultMaxEvents, sc.MaxEvents)
}
