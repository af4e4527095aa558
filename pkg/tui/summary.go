// Package tui renders the end-of-run report and live progress on stderr.
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/logflow/logstream/pkg/pipeline"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warn    = lipgloss.Color("#FFAA00")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warn)
)

// PrintSummary writes the run statistics.
func PrintSummary(w io.Writer, sum *pipeline.Summary) {
	fmt.Fprintln(w)
	switch {
	case sum.Aborted:
		fmt.Fprintln(w, accentStyle.Render("  ✗ RUN ABORTED"))
	case sum.Canceled:
		fmt.Fprintln(w, warnStyle.Render("  ◼ RUN CANCELED"))
	case sum.Errored > 0:
		fmt.Fprintln(w, warnStyle.Render("  ✓ RUN COMPLETE WITH ERRORS"))
	default:
		fmt.Fprintln(w, successStyle.Render("  ✓ RUN COMPLETE"))
	}
	fmt.Fprintln(w)

	row(w, "Mode:", string(sum.Mode))
	row(w, "Read:", formatNumber(sum.Read))
	row(w, "Accepted:", formatNumber(sum.Accepted))
	row(w, "Dropped:", formatNumber(sum.Dropped))
	row(w, "Errored:", formatNumber(sum.Errored))
	if sum.Batches > 0 {
		row(w, "Batches:", formatNumber(sum.Batches))
	}

	if sum.Errored > 0 && len(sum.Errors.ByKind) > 0 {
		kinds := make([]string, 0, len(sum.Errors.ByKind))
		for k := range sum.Errors.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", k, sum.Errors.ByKind[k])
		}
		row(w, "By kind:", strings.Join(parts, " "))
	}

	if sum.Spans.Closed > 0 || sum.Spans.Late > 0 || sum.Spans.Unassigned > 0 {
		row(w, "Spans:", fmt.Sprintf("%d closed, %d included, %d late, %d unassigned",
			sum.Spans.Closed, sum.Spans.Included, sum.Spans.Late, sum.Spans.Unassigned))
	}

	if sum.Aborted && sum.AbortErr != nil {
		at := ""
		if sum.AbortPosition != "" {
			at = " at " + sum.AbortPosition
		}
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Cause:"), accentStyle.Render(sum.AbortErr.Error()+at))
	}

	for _, f := range sum.Fallbacks {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Note:"), warnStyle.Render(f))
	}
	for _, c := range sum.Conflicts {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Conflict:"),
			warnStyle.Render(fmt.Sprintf("%s is %s, %s ignored", c.Key, c.Existing, c.Attempted)))
	}

	fmt.Fprintf(w, "  %s %s %s\n",
		mutedStyle.Render("Time:"),
		titleStyle.Render(formatDuration(sum.Duration())),
		mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(sum.EventsPerSecond())))))
	fmt.Fprintln(w)
}

// PrintMetrics writes the final metrics snapshot, one key per line.
func PrintMetrics(w io.Writer, sum *pipeline.Summary) {
	keys := sum.Metrics.Keys()
	if len(keys) == 0 {
		return
	}
	fmt.Fprintln(w, accentStyle.Render("▸ METRICS"))
	width := 0
	for _, k := range keys {
		if len(k) > width {
			width = len(k)
		}
	}
	for _, k := range keys {
		v, _ := sum.Metrics.Get(k)
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%-*s", width, k)), titleStyle.Render(formatValue(v)))
	}
	fmt.Fprintln(w)
}

func row(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%-9s", label)), titleStyle.Render(value))
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case map[string]int64:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s:%d", k, t[k])
		}
		return "{" + strings.Join(parts, " ") + "}"
	case map[string]float64:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s:%g", k, t[k])
		}
		return "{" + strings.Join(parts, " ") + "}"
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(v)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
