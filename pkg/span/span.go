// Package span implements the Span Aggregator. It groups the events that
// leave the stage chain into non-overlapping spans by count, time window,
// field value or idle gap, and hands every closed span to a close hook
// together with the metric changes recorded while it was open.
//
// At most one span is open at a time. Interleaved keys in field mode
// therefore produce many short spans rather than one span per key.
package span

import (
	"fmt"
	"strings"
	"time"

	lserrors "github.com/logflow/logstream/pkg/errors"
)

// Mode selects how events are grouped.
type Mode string

const (
	ModeCount    Mode = "count"
	ModeDuration Mode = "duration"
	ModeField    Mode = "field"
	ModeIdle     Mode = "idle"
)

// DefaultMaxEvents bounds the events retained per span.
const DefaultMaxEvents = 10000

// Config configures an Aggregator.
type Config struct {
	Mode     Mode
	Count    int
	Duration time.Duration
	Field    string
	Idle     time.Duration

	// Strict turns unassigned events into TimestampErrors.
	Strict bool

	// MaxEvents caps the events kept in View.Events. Size still counts
	// every accepted event. Zero means DefaultMaxEvents, negative means
	// unlimited.
	MaxEvents int
}

// Validate checks that the parameter for the selected mode is usable.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeCount:
		if c.Count < 1 {
			return lserrors.Config("span count must be at least 1, got %d", c.Count)
		}
	case ModeDuration:
		if c.Duration <= 0 {
			return lserrors.Config("span duration must be positive, got %s", c.Duration)
		}
	case ModeField:
		if strings.TrimSpace(c.Field) == "" {
			return lserrors.Config("span field name is empty")
		}
	case ModeIdle:
		if c.Idle <= 0 {
			return lserrors.Config("span idle timeout must be positive, got %s", c.Idle)
		}
	default:
		return lserrors.Config("unknown span mode %q", c.Mode)
	}
	return nil
}

// ParseSpec parses the CLI shorthand: a bare integer is a count span, a Go
// duration is a duration span, "field:NAME" a field span and "idle:DUR" an
// idle span.
func ParseSpec(s string) (Config, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "field:"):
		return Config{Mode: ModeField, Field: strings.TrimPrefix(s, "field:")}, nil
	case strings.HasPrefix(s, "idle:"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, "idle:"))
		if err != nil {
			return Config{}, lserrors.Wrap(err, lserrors.CodeConfig, "invalid idle span timeout")
		}
		return Config{Mode: ModeIdle, Idle: d}, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		return Config{Mode: ModeCount, Count: n}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Config{}, lserrors.Config("invalid span %q: want a count, a duration, field:NAME or idle:DURATION", s)
	}
	return Config{Mode: ModeDuration, Duration: d}, nil
}

// formatDuration renders d without trailing zero units: 5m, 1h30m, 90s is
// 1m30s.
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
