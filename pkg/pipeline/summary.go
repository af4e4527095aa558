package pipeline

import (
	"fmt"
	"time"

	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/span"
)

// Summary is the end-of-run report.
type Summary struct {
	RunID string
	Mode  Mode

	// Read counts every input event, including those that failed to parse.
	Read     int64
	Accepted int64
	Dropped  int64
	Errored  int64
	Batches  int64

	Errors ErrorStats

	// Aborted is set when strict mode or a fatal error ended the run early.
	// Accepted then counts the events emitted before the abort.
	Aborted       bool
	AbortErr      error
	AbortPosition string

	Canceled bool

	Spans     span.Stats
	Metrics   metrics.Snapshot
	Conflicts []metrics.Conflict
	Fallbacks []string

	Started  time.Time
	Finished time.Time
}

// Duration returns the run's wall time.
func (s *Summary) Duration() time.Duration {
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

// EventsPerSecond returns the processing rate.
func (s *Summary) EventsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.Read) / d
}

// Failed reports whether the run should end with a non-zero status. Clean
// filtering that leaves no output is still a success.
func (s *Summary) Failed() bool {
	return s.Aborted || s.Errored > 0
}

func (s *Summary) String() string {
	return fmt.Sprintf("read=%d accepted=%d dropped=%d errored=%d in %s",
		s.Read, s.Accepted, s.Dropped, s.Errored, s.Duration().Round(time.Millisecond))
}

func (s *Summary) abort(err error, position string) {
	if s.Aborted {
		return
	}
	s.Aborted = true
	s.AbortErr = err
	s.AbortPosition = position
}
