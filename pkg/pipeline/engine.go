package pipeline

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/span"
	"github.com/logflow/logstream/pkg/stage"
	"github.com/logflow/logstream/pkg/state"
	"github.com/logflow/logstream/pkg/window"
)

// Mode selects the scheduling model. The two are never mixed within a run.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeSequential):
		return ModeSequential, nil
	case string(ModeParallel):
		return ModeParallel, nil
	default:
		return ModeSequential, lserrors.Config("unknown execution mode %q", s)
	}
}

// Hook is a begin or end script.
type Hook interface {
	Run(vars map[string]interface{}, ctx *stage.Context) error
}

type capable interface {
	Capabilities() stage.Capability
}

// Options configures an Engine.
type Options struct {
	Mode         Mode
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	Ordered      bool

	Policy    ErrorPolicy
	MaxErrors int64

	WindowSize int

	// Span enables the span aggregator (sequential only).
	Span     *span.Config
	SpanHook span.CloseHook

	Begin Hook
	End   Hook

	RunID      string
	Logger     *zap.Logger
	Observer   Observer
	DeadLetter *DeadLetterWriter

	// InputBuffer is the capacity of the channel between the source and
	// the executor.
	InputBuffer int
}

// DefaultOptions returns sequential, resilient, ordered defaults.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeSequential,
		Workers:      runtime.NumCPU(),
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		Ordered:      true,
		Policy:       PolicyResilient,
		InputBuffer:  4096,
	}
}

// Engine validates options once and runs the selected executor.
type Engine struct {
	opts      Options
	chain     *stage.Chain
	store     *metrics.Store
	state     *state.Map
	window    *window.Window
	handler   *ErrorHandler
	logger    *zap.Logger
	fallbacks []string
}

// New validates opts against chain. Configuration errors are returned
// before any event is read. Spans combined with parallel mode fall back to
// sequential mode with a warning.
func New(chain *stage.Chain, opts Options) (*Engine, error) {
	if chain == nil {
		chain = stage.NewChain()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.InputBuffer <= 0 {
		opts.InputBuffer = 4096
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.WindowSize < 0 {
		return nil, lserrors.Config("window size must not be negative, got %d", opts.WindowSize)
	}

	e := &Engine{
		chain:  chain,
		store:  metrics.NewStore(),
		logger: opts.Logger.With(zap.String("run_id", opts.RunID)),
	}

	switch opts.Mode {
	case ModeSequential, "":
		opts.Mode = ModeSequential
	case ModeParallel:
		if opts.Span != nil {
			e.fallbacks = append(e.fallbacks, "span aggregation requires sequential mode; running sequentially")
			e.logger.Warn("span aggregation is not available in parallel mode, falling back to sequential")
			opts.Mode = ModeSequential
		}
	default:
		return nil, lserrors.Config("unknown execution mode %q", opts.Mode)
	}

	if opts.Span != nil {
		if err := opts.Span.Validate(); err != nil {
			return nil, err
		}
		sc := *opts.Span
		sc.Strict = opts.Policy == PolicyStrict
		opts.Span = &sc
	}

	if opts.Mode == ModeParallel {
		if err := chain.ValidateParallel(); err != nil {
			return nil, err
		}
		for name, h := range map[string]Hook{"begin": opts.Begin, "end": opts.End} {
			if c, ok := h.(capable); ok && c.Capabilities() != 0 {
				return nil, lserrors.Config("%s script uses %s, which requires sequential mode", name, c.Capabilities())
			}
		}
	} else {
		e.state = state.New()
		e.window = window.New(opts.WindowSize)
	}

	e.handler = NewErrorHandler(opts.Policy).
		WithMaxErrors(opts.MaxErrors).
		WithLogger(e.logger).
		WithOnError(opts.Observer.Error)
	if opts.DeadLetter != nil {
		e.handler.WithDeadLetter(opts.DeadLetter)
	}
	e.opts = opts
	return e, nil
}

// Mode returns the effective mode after fallbacks.
func (e *Engine) Mode() Mode { return e.opts.Mode }

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.opts.RunID }

// Fallbacks lists option adjustments made by New.
func (e *Engine) Fallbacks() []string { return append([]string(nil), e.fallbacks...) }

// Store returns the run's metrics store.
func (e *Engine) Store() *metrics.Store { return e.store }

type executor interface {
	Run(ctx context.Context, in <-chan *model.Event, sink Sink) (*Summary, error)
}

// Run reads src, processes every event and emits survivors to sink. The
// summary is returned even when the run aborts or is canceled; the error is
// the abort cause or a source failure.
func (e *Engine) Run(ctx context.Context, src Source, sink Sink) (*Summary, error) {
	hctx := &stage.Context{Metrics: e.store, State: e.state, Window: e.window}
	if e.opts.Begin != nil {
		if err := e.opts.Begin.Run(nil, hctx); err != nil {
			err = lserrors.Wrap(err, lserrors.CodeStageExec, "begin script failed")
			if abortErr := e.handler.HandleError(err, nil); abortErr != nil {
				return e.finish(&Summary{Mode: e.opts.Mode, Started: time.Now(), Finished: time.Now()}, abortErr)
			}
		}
	}

	exec, err := e.executor()
	if err != nil {
		return nil, err
	}

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan *model.Event, e.opts.InputBuffer)
	g, gctx := errgroup.WithContext(srcCtx)
	g.Go(func() error {
		defer close(in)
		return src.Read(gctx, in)
	})

	sum, runErr := exec.Run(ctx, in, sink)

	// Stop the source and wait for it; its cancellation is not an error.
	cancel()
	if srcErr := g.Wait(); srcErr != nil && !errors.Is(srcErr, context.Canceled) && runErr == nil {
		runErr = lserrors.Wrap(srcErr, lserrors.CodeParse, "input failed")
		sum.abort(runErr, "")
	}

	if e.opts.End != nil && !sum.Aborted {
		vars := map[string]interface{}{"metrics": e.store.Snapshot().Values()}
		if err := e.opts.End.Run(vars, hctx); err != nil {
			err = lserrors.Wrap(err, lserrors.CodeStageExec, "end script failed")
			if abortErr := e.handler.HandleError(err, nil); abortErr != nil {
				sum.abort(abortErr, "")
				runErr = abortErr
			}
		}
	}
	return e.finish(sum, runErr)
}

func (e *Engine) finish(sum *Summary, err error) (*Summary, error) {
	sum.RunID = e.opts.RunID
	sum.Errors = e.handler.Stats()
	sum.Metrics = e.store.Snapshot()
	sum.Conflicts = e.store.Conflicts()
	sum.Fallbacks = e.Fallbacks()
	for _, c := range sum.Conflicts {
		e.logger.Warn("metric type conflict",
			zap.String("key", c.Key),
			zap.String("existing", string(c.Existing)),
			zap.String("attempted", string(c.Attempted)))
	}
	e.logger.Info("run finished",
		zap.String("mode", string(sum.Mode)),
		zap.Int64("read", sum.Read),
		zap.Int64("accepted", sum.Accepted),
		zap.Int64("dropped", sum.Dropped),
		zap.Int64("errored", sum.Errored),
		zap.Bool("aborted", sum.Aborted),
		zap.Bool("canceled", sum.Canceled),
		zap.Duration("duration", sum.Duration()))
	return sum, err
}

func (e *Engine) executor() (executor, error) {
	if e.opts.Mode == ModeParallel {
		return NewParallel(ParallelConfig{
			Chain:        e.chain,
			Store:        e.store,
			Handler:      e.handler,
			Observer:     e.opts.Observer,
			Logger:       e.logger,
			Workers:      e.opts.Workers,
			BatchSize:    e.opts.BatchSize,
			BatchTimeout: e.opts.BatchTimeout,
			Ordered:      e.opts.Ordered,
		}), nil
	}

	var agg *span.Aggregator
	if e.opts.Span != nil {
		spanOpts := []span.Option{
			span.WithLogger(e.logger),
			span.WithSequentialState(e.state, e.window),
			span.WithCloseObserver(e.opts.Observer.SpanClosed),
		}
		if e.opts.SpanHook != nil {
			spanOpts = append(spanOpts, span.WithHook(e.opts.SpanHook))
		}
		var err error
		agg, err = span.New(*e.opts.Span, e.store, spanOpts...)
		if err != nil {
			return nil, err
		}
	}
	return NewSequential(SequentialConfig{
		Chain:    e.chain,
		Store:    e.store,
		Handler:  e.handler,
		Window:   e.window,
		State:    e.state,
		Spans:    agg,
		Observer: e.opts.Observer,
		Logger:   e.logger,
	}), nil
}
