package model

import (
	"fmt"
	"time"
)

// SpanStatus describes an event's membership in the span aggregator.
type SpanStatus uint8

const (
	// SpanNone means spans are not configured for this run.
	SpanNone SpanStatus = iota
	// SpanIncluded means the event was accepted into the open span.
	SpanIncluded
	// SpanLate means the event maps to a window that already closed.
	SpanLate
	// SpanUnassigned means the event has no usable timestamp or key.
	SpanUnassigned
	// SpanFiltered is reserved for events assigned and later dropped.
	SpanFiltered
)

func (s SpanStatus) String() string {
	switch s {
	case SpanIncluded:
		return "included"
	case SpanLate:
		return "late"
	case SpanUnassigned:
		return "unassigned"
	case SpanFiltered:
		return "filtered"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SpanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SpanInfo is the span annotation attached to an event.
type SpanInfo struct {
	Status SpanStatus
	ID     string
	Start  time.Time
	End    time.Time
}

// HasBounds reports whether the span carries a time boundary.
func (s SpanInfo) HasBounds() bool {
	return !s.Start.IsZero() || !s.End.IsZero()
}

// Batch is a sequence-numbered group of events processed by one worker.
type Batch struct {
	Seq    uint64
	Events []*Event
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	return len(b.Events)
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.Seq = 0
	for i := range b.Events {
		b.Events[i] = nil
	}
	b.Events = b.Events[:0]
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch#%d(%d)", b.Seq, len(b.Events))
}
