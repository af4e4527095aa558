package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/span"
)

// Tracing is a pipeline.Observer that records one trace per run: a root
// span for the run, a child span per parallel batch and per closed
// aggregation span, and an event per recorded error.
type Tracing struct {
	tracer trace.Tracer

	mu  sync.Mutex
	ctx context.Context
	run trace.Span
}

// NewTracing creates a tracing observer.
func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer, ctx: context.Background()}
}

// StartRun opens the run span. The returned context carries it.
func (t *Tracing) StartRun(ctx context.Context, runID string, mode pipeline.Mode) context.Context {
	ctx, s := t.tracer.Start(ctx, "logstream.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", string(mode)),
	))
	t.mu.Lock()
	t.ctx, t.run = ctx, s
	t.mu.Unlock()
	return ctx
}

// EndRun records the summary on the run span and ends it.
func (t *Tracing) EndRun(sum *pipeline.Summary) {
	t.mu.Lock()
	s := t.run
	t.run = nil
	t.mu.Unlock()
	if s == nil {
		return
	}

	s.SetAttributes(
		attribute.Int64("events.read", sum.Read),
		attribute.Int64("events.accepted", sum.Accepted),
		attribute.Int64("events.dropped", sum.Dropped),
		attribute.Int64("events.errored", sum.Errored),
		attribute.Int64("batches", sum.Batches),
		attribute.Int64("spans.closed", sum.Spans.Closed),
		attribute.Bool("run.canceled", sum.Canceled),
	)
	if sum.Aborted {
		if sum.AbortErr != nil {
			s.RecordError(sum.AbortErr)
		}
		s.SetStatus(codes.Error, "run aborted")
	} else if sum.Errored > 0 {
		s.SetStatus(codes.Error, "events errored")
	}
	s.End()
}

func (t *Tracing) parent() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// Events implements pipeline.Observer. Counts are recorded on the run span
// at the end.
func (t *Tracing) Events(pipeline.Outcome, int) {}

// Batch implements pipeline.Observer.
func (t *Tracing) Batch(size int, d time.Duration) {
	end := time.Now()
	_, s := t.tracer.Start(t.parent(), "logstream.batch",
		trace.WithTimestamp(end.Add(-d)),
		trace.WithAttributes(attribute.Int("batch.size", size)))
	s.End(trace.WithTimestamp(end))
}

// SpanClosed implements pipeline.Observer.
func (t *Tracing) SpanClosed(v *span.View) {
	attrs := []attribute.KeyValue{
		attribute.String("span.id", v.ID),
		attribute.Int("span.size", v.Size),
		attribute.Int("span.metrics", len(v.Metrics)),
	}
	if v.HasBounds() {
		attrs = append(attrs,
			attribute.String("span.start", v.Start.Format(time.RFC3339)),
			attribute.String("span.end", v.End.Format(time.RFC3339)))
	}
	_, s := t.tracer.Start(t.parent(), "logstream.span.close", trace.WithAttributes(attrs...))
	s.End()
}

// Error implements pipeline.Observer.
func (t *Tracing) Error(rec pipeline.ErrorRecord) {
	t.mu.Lock()
	s := t.run
	t.mu.Unlock()
	if s == nil {
		return
	}
	s.AddEvent("event.error", trace.WithAttributes(
		attribute.String("error.kind", rec.Kind),
		attribute.String("error.code", string(rec.Code)),
		attribute.String("error.position", rec.Position()),
		attribute.String("error.message", rec.Message),
	))
}
