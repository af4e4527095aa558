// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env < flags
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/span"
)

// Config holds all logstream configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine    EngineConfig    `yaml:"engine"`
	Span      SpanConfig      `yaml:"span"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	Stages    []StageConfig   `yaml:"stages"`
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Export    ExportConfig    `yaml:"export"`
}

// EngineConfig controls scheduling and error policy.
type EngineConfig struct {
	Mode         string        `yaml:"mode"`    // sequential | parallel
	Workers      int           `yaml:"workers"` // 0 = NumCPU
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Ordered      bool          `yaml:"ordered"`
	Strict       bool          `yaml:"strict"`
	MaxErrors    int64         `yaml:"max_errors"` // 0 = unlimited
	WindowSize   int           `yaml:"window_size"`
}

// SpanConfig enables span aggregation. Every is one of "100", "5m",
// "field:NAME" or "idle:30s"; empty disables spans.
type SpanConfig struct {
	Every     string `yaml:"every"`
	Script    string `yaml:"script"`
	MaxEvents int    `yaml:"max_events"`
}

// ScriptsConfig holds the run-level hooks.
type ScriptsConfig struct {
	Begin string `yaml:"begin"`
	End   string `yaml:"end"`
}

// StageConfig declares one stage. Kind is level, filter or exec.
type StageConfig struct {
	Kind   string   `yaml:"kind"`
	Allow  []string `yaml:"allow,omitempty"`
	Deny   []string `yaml:"deny,omitempty"`
	Script string   `yaml:"script,omitempty"`
}

// InputConfig controls the event reader.
type InputConfig struct {
	Format string `yaml:"format"` // jsonl | logfmt | line
	Follow bool   `yaml:"follow"`
}

// OutputConfig controls the event writer and the run report.
type OutputConfig struct {
	Format     string   `yaml:"format"` // logfmt | json
	Keys       []string `yaml:"keys"`
	WithSpan   bool     `yaml:"with_span"`
	Stats      bool     `yaml:"stats"`
	Metrics    bool     `yaml:"metrics"`
	DeadLetter string   `yaml:"dead_letter"`
}

// TelemetryConfig for tracing and engine metrics.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// ExportConfig for the end-of-run metrics export.
type ExportConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis server receiving metric snapshots.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Engine: EngineConfig{
			Mode:         "sequential",
			BatchSize:    1000,
			BatchTimeout: 200 * time.Millisecond,
			Ordered:      true,
		},
		Span: SpanConfig{
			MaxEvents: span.DefaultMaxEvents,
		},
		Input: InputConfig{
			Format: "jsonl",
		},
		Output: OutputConfig{
			Format: "logfmt",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "logstream",
		},
		Export: ExportConfig{
			Redis: RedisConfig{TTL: 7 * 24 * time.Hour},
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
	getenv func(string) string
	search []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnv replaces os.Getenv for environment overrides.
func WithEnv(getenv func(string) string) Option {
	return func(m *Manager) { m.getenv = getenv }
}

// WithSearchPaths replaces the system/user/project search list.
func WithSearchPaths(paths ...string) Option {
	return func(m *Manager) { m.search = paths }
}

// NewManager creates a new configuration manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config: Default(),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.search == nil {
		m.search = defaultPaths()
	}
	return m
}

// Load loads configuration from all sources in priority order. explicit
// is the --config file; unlike the search paths it must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.search {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			continue
		}
		m.paths = append(m.paths, path)
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return lserrors.Wrapf(err, lserrors.CodeConfig, "load config %s", explicit)
		}
		m.paths = append(m.paths, explicit)
	}

	return m.loadEnv()
}

// defaultPaths returns config file paths in priority order.
func defaultPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/logstream/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".logstream", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".logstream.yaml"))
	}
	return paths
}

// loadFile decodes a single config file over the current values. Keys the
// file omits keep their earlier value; lists are replaced as a whole.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	next := *m.config
	next.Stages = append([]StageConfig(nil), m.config.Stages...)
	if err := yaml.Unmarshal(data, &next); err != nil {
		return lserrors.Wrapf(err, lserrors.CodeConfig, "parse %s", path)
	}
	m.config = &next
	return nil
}

// loadEnv applies LOGSTREAM_* environment overrides.
func (m *Manager) loadEnv() error {
	str := func(name string, dst *string) {
		if v := m.getenv(name); v != "" {
			*dst = v
		}
	}
	str("LOGSTREAM_MODE", &m.config.Engine.Mode)
	str("LOGSTREAM_SPAN", &m.config.Span.Every)
	str("LOGSTREAM_INPUT_FORMAT", &m.config.Input.Format)
	str("LOGSTREAM_OUTPUT_FORMAT", &m.config.Output.Format)
	str("LOGSTREAM_OTLP_ENDPOINT", &m.config.Telemetry.OTLPEndpoint)
	str("LOGSTREAM_METRICS_ADDR", &m.config.Telemetry.MetricsAddr)
	str("LOGSTREAM_REDIS_ADDR", &m.config.Export.Redis.Addr)
	str("LOGSTREAM_REDIS_PASSWORD", &m.config.Export.Redis.Password)

	for name, dst := range map[string]*int{
		"LOGSTREAM_WORKERS":     &m.config.Engine.Workers,
		"LOGSTREAM_BATCH_SIZE":  &m.config.Engine.BatchSize,
		"LOGSTREAM_WINDOW_SIZE": &m.config.Engine.WindowSize,
	} {
		if v := m.getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return lserrors.Config("%s: %q is not an integer", name, v)
			}
			*dst = n
		}
	}

	if v := m.getenv("LOGSTREAM_BATCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return lserrors.Config("LOGSTREAM_BATCH_TIMEOUT: %q is not a duration", v)
		}
		m.config.Engine.BatchTimeout = d
	}

	for name, dst := range map[string]*bool{
		"LOGSTREAM_STRICT":  &m.config.Engine.Strict,
		"LOGSTREAM_ORDERED": &m.config.Engine.Ordered,
	} {
		if v := m.getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return lserrors.Config("%s: %q is not a boolean", name, v)
			}
			*dst = b
		}
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Validate checks the configuration before any event is read. It returns
// the fallbacks that will be applied; the only one today is span
// aggregation forcing sequential mode.
func (c *Config) Validate() ([]string, error) {
	var fallbacks []string

	switch c.Engine.Mode {
	case "", "sequential", "parallel":
	default:
		return nil, lserrors.Config("engine.mode: unknown mode %q (want sequential or parallel)", c.Engine.Mode)
	}
	if c.Engine.Workers < 0 {
		return nil, lserrors.Config("engine.workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.Engine.BatchSize < 0 {
		return nil, lserrors.Config("engine.batch_size must not be negative, got %d", c.Engine.BatchSize)
	}
	if c.Engine.BatchTimeout < 0 {
		return nil, lserrors.Config("engine.batch_timeout must not be negative, got %s", c.Engine.BatchTimeout)
	}
	if c.Engine.WindowSize < 0 {
		return nil, lserrors.Config("engine.window_size must not be negative, got %d", c.Engine.WindowSize)
	}

	if c.Span.Every != "" {
		if _, err := c.SpanConfig(); err != nil {
			return nil, err
		}
		if c.Engine.Mode == "parallel" {
			fallbacks = append(fallbacks, "span aggregation requires sequential mode; running sequentially")
		}
	} else if c.Span.Script != "" {
		return nil, lserrors.Config("span.script is set but span.every is empty")
	}

	for i, s := range c.Stages {
		if err := s.validate(); err != nil {
			return nil, err.WithContext("stage", i)
		}
	}

	switch c.Input.Format {
	case "jsonl", "json", "logfmt", "line":
	default:
		return nil, lserrors.Config("input.format: unknown format %q", c.Input.Format)
	}
	switch c.Output.Format {
	case "logfmt", "json":
	default:
		return nil, lserrors.Config("output.format: unknown format %q", c.Output.Format)
	}
	return fallbacks, nil
}

// SpanConfig returns the parsed span configuration, or nil when spans are
// disabled.
func (c *Config) SpanConfig() (*span.Config, error) {
	if c.Span.Every == "" {
		return nil, nil
	}
	sc, err := span.ParseSpec(c.Span.Every)
	if err != nil {
		return nil, err
	}
	if c.Span.MaxEvents != 0 {
		sc.MaxEvents = c.Span.MaxEvents
	}
	sc.Strict = c.Engine.Strict
	return &sc, sc.Validate()
}

func (s StageConfig) validate() *lserrors.Error {
	switch strings.ToLower(s.Kind) {
	case "level":
		if len(s.Allow) > 0 && len(s.Deny) > 0 {
			return lserrors.Config("level stage takes allow or deny, not both")
		}
		if len(s.Allow) == 0 && len(s.Deny) == 0 {
			return lserrors.Config("level stage needs an allow or deny list")
		}
	case "filter", "exec":
		if strings.TrimSpace(s.Script) == "" {
			return lserrors.Config("%s stage needs a script", s.Kind)
		}
	default:
		return lserrors.Config("unknown stage kind %q (want level, filter or exec)", s.Kind)
	}
	return nil
}
