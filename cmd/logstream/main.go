// logstream - stream processor for structured logs
// Filters, transforms and aggregates JSON and logfmt events with small
// scripts, sequentially or across a worker pool.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	lserrors "github.com/logflow/logstream/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Exit statuses.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitSignal = 130
)

// errRunFailed reports a run that finished with errored events or aborted.
// The summary has already been printed.
var errRunFailed = errors.New("run failed")

// errInterrupted reports a run stopped by a signal after a clean drain.
var errInterrupted = errors.New("interrupted")

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errRunFailed):
		return exitFailed
	case errors.Is(err, errInterrupted):
		return exitSignal
	case lserrors.IsCode(err, lserrors.CodeConfig):
		fmt.Fprintln(os.Stderr, "logstream:", err)
		return exitUsage
	default:
		fmt.Fprintln(os.Stderr, "logstream:", err)
		return exitFailed
	}
}

var rootCmd = &cobra.Command{
	Use:   "logstream [files...]",
	Short: "logstream - filter, transform and aggregate structured logs",
	Long: `logstream reads JSON lines, logfmt or plain text events from files or stdin,
runs them through a chain of level filters, filter scripts and exec scripts,
and writes the surviving events to stdout.

Scripts can track metrics (track_count, track_sum, track_unique, ...) that are
reported at the end of the run or per span.

Examples:
  logstream app.log --level error,warn
  logstream app.log --filter 'e.status >= 500' --exec 'track_count(e.path)' --metrics
  cat app.log | logstream --span 5m --span-script 'print(span.id, span.metrics)'
  logstream big.log --mode parallel --workers 8 --exec 'track_avg("latency", e.took)'
  logstream app.log --follow --metrics-addr :9090`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStream,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "logstream %s (%s)\n", version, commit)
	},
}

func init() {
	registerFlags(rootCmd)
	rootCmd.AddCommand(versionCmd)
}
