package tui

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/span"
)

// Progress is a pipeline.Observer that shows a live event counter. The
// total is unknown for streams, so the bar renders as a spinner with a
// count and rate.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress creates a progress display on w.
func NewProgress(w io.Writer, description string) *Progress {
	return &Progress{bar: progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("events"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)}
}

// Events implements pipeline.Observer.
func (p *Progress) Events(_ pipeline.Outcome, n int) {
	if n > 0 {
		p.bar.Add(n)
	}
}

// Batch implements pipeline.Observer.
func (p *Progress) Batch(int, time.Duration) {}

// SpanClosed implements pipeline.Observer.
func (p *Progress) SpanClosed(*span.View) {}

// Error implements pipeline.Observer.
func (p *Progress) Error(pipeline.ErrorRecord) {}

// Finish clears the display.
func (p *Progress) Finish() error {
	return p.bar.Finish()
}
