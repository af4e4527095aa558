package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/span"
	"github.com/logflow/logstream/pkg/stage"
	"github.com/logflow/logstream/pkg/state"
	"github.com/logflow/logstream/pkg/window"
)

// Sequential runs the stage chain one event at a time in input order. It
// is the only executor that exposes the sliding window, the state map and
// the span aggregator to stages.
type Sequential struct {
	chain    *stage.Chain
	store    *metrics.Store
	handler  *ErrorHandler
	window   *window.Window
	state    *state.Map
	spans    *span.Aggregator
	observer Observer
	logger   *zap.Logger
}

// SequentialConfig wires a Sequential executor.
type SequentialConfig struct {
	Chain    *stage.Chain
	Store    *metrics.Store
	Handler  *ErrorHandler
	Window   *window.Window
	State    *state.Map
	Spans    *span.Aggregator
	Observer Observer
	Logger   *zap.Logger
}

// NewSequential creates a sequential executor.
func NewSequential(cfg SequentialConfig) *Sequential {
	s := &Sequential{
		chain:    cfg.Chain,
		store:    cfg.Store,
		handler:  cfg.Handler,
		window:   cfg.Window,
		state:    cfg.State,
		spans:    cfg.Spans,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if s.chain == nil {
		s.chain = stage.NewChain()
	}
	if s.store == nil {
		s.store = metrics.NewStore()
	}
	if s.handler == nil {
		s.handler = NewErrorHandler(PolicyResilient)
	}
	if s.window == nil {
		s.window = window.New(0)
	}
	if s.state == nil {
		s.state = state.New()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Run consumes in until it is closed, ctx is canceled or the error policy
// aborts. Cancellation is checked between events; the open span is still
// closed and a summary is still returned. The error is the abort cause.
func (s *Sequential) Run(ctx context.Context, in <-chan *model.Event, sink Sink) (*Summary, error) {
	sum := &Summary{Mode: ModeSequential, Started: time.Now()}
	defer func() { sum.Finished = time.Now() }()

	rec := metrics.NewRecorder(s.store)
	sctx := &stage.Context{Metrics: s.store, Window: s.window, State: s.state}
	if s.spans != nil {
		sctx.Metrics = rec
	}

	runErr := s.loop(ctx, in, sink, sctx, rec, sum)

	if s.spans != nil {
		if err := s.spans.Flush(); err != nil && runErr == nil {
			if abortErr := s.handler.HandleError(err, nil); abortErr != nil {
				sum.abort(abortErr, "")
				runErr = abortErr
			}
		}
		sum.Spans = s.spans.Stats()
	}
	return sum, runErr
}

func (s *Sequential) loop(ctx context.Context, in <-chan *model.Event, sink Sink,
	sctx *stage.Context, rec *metrics.Recorder, sum *Summary) error {
	for {
		if ctx.Err() != nil {
			sum.Canceled = true
			return nil
		}
		var e *model.Event
		var ok bool
		select {
		case <-ctx.Done():
			sum.Canceled = true
			return nil
		case e, ok = <-in:
			if !ok {
				return nil
			}
		}

		sum.Read++
		if e.Seq == 0 {
			e.Seq = uint64(sum.Read)
		}
		if err := s.process(e, sink, sctx, rec, sum); err != nil {
			return err
		}
	}
}

// process handles one event. It returns a non-nil error only when the run
// must stop.
func (s *Sequential) process(e *model.Event, sink Sink, sctx *stage.Context, rec *metrics.Recorder, sum *Summary) error {
	fail := func(err error, absorb bool) error {
		sum.Errored++
		s.observer.Events(OutcomeErrored, 1)
		if absorb && s.spans != nil {
			s.spans.Absorb(rec)
		}
		if abortErr := s.handler.HandleError(err, e); abortErr != nil {
			sum.abort(abortErr, e.Position())
			return abortErr
		}
		return nil
	}

	if e.Err != nil {
		return fail(parseError(e), false)
	}

	rec.Reset()
	out, keep, err := s.chain.Run(e, sctx)
	if err != nil {
		return fail(err, true)
	}
	if !keep {
		sum.Dropped++
		s.observer.Events(OutcomeDropped, 1)
		if s.spans != nil {
			s.spans.Absorb(rec)
		}
		return nil
	}

	s.window.Push(out)

	if s.spans != nil {
		if err := s.spans.Process(out, rec); err != nil {
			if lserrors.IsCode(err, lserrors.CodeTimestamp) {
				s.window.Unpush()
				return fail(err, false)
			}
			// A failing close hook is not the event's fault; it is still
			// emitted.
			if abortErr := s.handler.HandleError(err, out); abortErr != nil {
				sum.abort(abortErr, out.Position())
				return abortErr
			}
		}
	}

	if err := sink.Emit(out); err != nil {
		sinkErr := lserrors.Wrap(err, lserrors.CodeSink, "sink failed")
		sum.abort(sinkErr, out.Position())
		return sinkErr
	}
	sum.Accepted++
	s.observer.Events(OutcomeAccepted, 1)
	return nil
}

func parseError(e *model.Event) error {
	if lserrors.IsCode(e.Err, lserrors.CodeParse) {
		return e.Err
	}
	return lserrors.ParseError(e.Source, e.Line, e.Err)
}
