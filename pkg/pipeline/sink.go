// Package pipeline runs the stage chain over an event stream, either
// sequentially with the sliding window, state map and span aggregator, or
// in parallel over sequence-numbered batches.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/logflow/logstream/internal/model"
	"github.com/logflow/logstream/pkg/span"
)

// Source produces events. Read sends events to out until the input is
// exhausted or ctx is canceled; the engine closes out when Read returns.
type Source interface {
	Read(ctx context.Context, out chan<- *model.Event) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, out chan<- *model.Event) error

// Read calls f.
func (f SourceFunc) Read(ctx context.Context, out chan<- *model.Event) error { return f(ctx, out) }

// SliceSource replays a fixed list of events.
func SliceSource(events []*model.Event) Source {
	return SourceFunc(func(ctx context.Context, out chan<- *model.Event) error {
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// Sink receives surviving events in output order. A sink error ends the
// run.
type Sink interface {
	Emit(e *model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e *model.Event) error

// Emit calls f.
func (f SinkFunc) Emit(e *model.Event) error { return f(e) }

// Collector is a Sink that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []*model.Event
}

// Emit implements Sink.
func (c *Collector) Emit(e *model.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

// Events returns the collected events in emission order.
func (c *Collector) Events() []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Outcome classifies what happened to an input event.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDropped  Outcome = "dropped"
	OutcomeErrored  Outcome = "errored"
)

// Observer receives engine activity for telemetry. Implementations must be
// safe for concurrent use.
type Observer interface {
	Events(o Outcome, n int)
	Batch(size int, d time.Duration)
	SpanClosed(v *span.View)
	Error(rec ErrorRecord)
}

type nopObserver struct{}

func (nopObserver) Events(Outcome, int)      {}
func (nopObserver) Batch(int, time.Duration) {}
func (nopObserver) SpanClosed(*span.View)    {}
func (nopObserver) Error(ErrorRecord)        {}

// Observers fans activity out to several observers.
func Observers(obs ...Observer) Observer {
	var list multiObserver
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nopObserver{}
	case 1:
		return list[0]
	default:
		return list
	}
}

type multiObserver []Observer

func (m multiObserver) Events(o Outcome, n int) {
	for _, ob := range m {
		ob.Events(o, n)
	}
}

func (m multiObserver) Batch(size int, d time.Duration) {
	for _, ob := range m {
		ob.Batch(size, d)
	}
}

func (m multiObserver) SpanClosed(v *span.View) {
	for _, ob := range m {
		ob.SpanClosed(v)
	}
}

func (m multiObserver) Error(rec ErrorRecord) {
	for _, ob := range m {
		ob.Error(rec)
	}
}
