package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/logflow/logstream/pkg/config"
)

// CLI flags
var (
	configFile string
	verbose    bool
	progress   bool

	// Engine flags
	modeFlag     string
	workers      int
	batchSize    int
	batchTimeout string
	unordered    bool
	strict       bool
	maxErrors    int64
	windowSize   int

	// Stage flags, applied after configured stages in this order
	levelAllow []string
	levelDeny  []string
	filters    []string
	execs      []string

	// Span flags
	spanEvery  string
	spanScript string

	// Hook flags
	beginScript string
	endScript   string

	// Input flags
	inputFormat string
	follow      bool

	// Output flags
	outputFormat string
	keys         []string
	withSpan     bool
	stats        bool
	showMetrics  bool
	deadLetter   string

	// Telemetry and export flags
	otlpEndpoint string
	metricsAddr  string
	exportRedis  string
)

func registerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	f.StringVarP(&configFile, "config", "c", "", "Config file (layered over the default search paths)")
	f.BoolVar(&progress, "progress", false, "Show a live event counter on stderr")

	f.StringVarP(&modeFlag, "mode", "m", "", "Execution mode (sequential, parallel)")
	f.IntVarP(&workers, "workers", "w", 0, "Parallel workers (default: number of CPUs)")
	f.IntVar(&batchSize, "batch-size", 0, "Events per parallel batch")
	f.StringVar(&batchTimeout, "batch-timeout", "", "Flush a partial batch after this idle time (e.g. 200ms)")
	f.BoolVar(&unordered, "unordered", false, "Emit parallel batches in completion order")
	f.BoolVar(&strict, "strict", false, "Abort on the first error")
	f.Int64Var(&maxErrors, "max-errors", 0, "Abort after this many errors (0 = unlimited)")
	f.IntVar(&windowSize, "window", 0, "Sliding window size visible to scripts (sequential only)")

	f.StringSliceVarP(&levelAllow, "level", "l", nil, "Keep only these levels (comma separated)")
	f.StringSliceVar(&levelDeny, "exclude-level", nil, "Drop these levels (comma separated)")
	f.StringArrayVarP(&filters, "filter", "f", nil, "Filter script; events for which it is false are dropped (repeatable)")
	f.StringArrayVarP(&execs, "exec", "e", nil, "Exec script; may assign fields and track metrics (repeatable)")

	f.StringVar(&spanEvery, "span", "", "Aggregate into spans: N events, a duration, field:NAME or idle:DURATION")
	f.StringVar(&spanScript, "span-script", "", "Script run when a span closes (span.id, span.size, span.metrics)")

	f.StringVar(&beginScript, "begin", "", "Script run once before the first event")
	f.StringVar(&endScript, "end", "", "Script run once after the last event")

	f.StringVarP(&inputFormat, "input-format", "i", "", "Input format (jsonl, logfmt, line)")
	f.BoolVarP(&follow, "follow", "F", false, "Keep reading the last file as it grows")

	f.StringVarP(&outputFormat, "output-format", "o", "", "Output format (logfmt, json)")
	f.StringSliceVarP(&keys, "keys", "k", nil, "Only output these keys, in this order")
	f.BoolVar(&withSpan, "with-span", false, "Append span status and id to each event")
	f.BoolVar(&stats, "stats", false, "Print run statistics to stderr")
	f.BoolVar(&showMetrics, "metrics", false, "Print tracked metrics to stderr")
	f.StringVar(&deadLetter, "dead-letter", "", "Write failed events to this JSON lines file")

	f.StringVar(&otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP gRPC endpoint")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&exportRedis, "export-redis", "", "Write the final metrics snapshot to this Redis address")
}

// applyFlags overlays the flags that were set on cfg. Flags rank above
// files and environment.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string) bool { return flags.Changed(name) }

	if set("mode") {
		cfg.Engine.Mode = strings.ToLower(modeFlag)
	}
	if set("workers") {
		cfg.Engine.Workers = workers
	}
	if set("batch-size") {
		cfg.Engine.BatchSize = batchSize
	}
	if set("batch-timeout") {
		d, err := parseDuration("batch-timeout", batchTimeout)
		if err != nil {
			return err
		}
		cfg.Engine.BatchTimeout = d
	}
	if set("unordered") {
		cfg.Engine.Ordered = !unordered
	}
	if set("strict") {
		cfg.Engine.Strict = strict
	}
	if set("max-errors") {
		cfg.Engine.MaxErrors = maxErrors
	}
	if set("window") {
		cfg.Engine.WindowSize = windowSize
	}

	if len(levelAllow) > 0 {
		cfg.Stages = append(cfg.Stages, config.StageConfig{Kind: "level", Allow: levelAllow})
	}
	if len(levelDeny) > 0 {
		cfg.Stages = append(cfg.Stages, config.StageConfig{Kind: "level", Deny: levelDeny})
	}
	for _, src := range filters {
		cfg.Stages = append(cfg.Stages, config.StageConfig{Kind: "filter", Script: src})
	}
	for _, src := range execs {
		cfg.Stages = append(cfg.Stages, config.StageConfig{Kind: "exec", Script: src})
	}

	if set("span") {
		cfg.Span.Every = spanEvery
	}
	if set("span-script") {
		cfg.Span.Script = spanScript
	}
	if set("begin") {
		cfg.Scripts.Begin = beginScript
	}
	if set("end") {
		cfg.Scripts.End = endScript
	}

	if set("input-format") {
		cfg.Input.Format = strings.ToLower(inputFormat)
	}
	if set("follow") {
		cfg.Input.Follow = follow
	}
	if set("output-format") {
		cfg.Output.Format = strings.ToLower(outputFormat)
	}
	if set("keys") {
		cfg.Output.Keys = keys
	}
	if set("with-span") {
		cfg.Output.WithSpan = withSpan
	}
	if set("stats") {
		cfg.Output.Stats = stats
	}
	if set("metrics") {
		cfg.Output.Metrics = showMetrics
	}
	if set("dead-letter") {
		cfg.Output.DeadLetter = deadLetter
	}

	if set("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = otlpEndpoint
	}
	if set("metrics-addr") {
		cfg.Telemetry.MetricsAddr = metricsAddr
	}
	if set("export-redis") {
		cfg.Export.Redis.Addr = exportRedis
	}
	return nil
}
