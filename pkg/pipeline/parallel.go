package pipeline

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/logstream/internal/model"
	"github.com/logflow/logstream/internal/pool"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/stage"
)

// Defaults for the parallel executor.
const (
	DefaultBatchSize    = pool.DefaultBatchSize
	DefaultBatchTimeout = 200 * time.Millisecond
)

// Parallel runs the stage chain over sequence-numbered batches in a fixed
// worker pool. Each worker tracks metrics in a private store that is merged
// into the shared store once per batch.
type Parallel struct {
	chain        *stage.Chain
	store        *metrics.Store
	handler      *ErrorHandler
	observer     Observer
	logger       *zap.Logger
	workers      int
	batchSize    int
	batchTimeout time.Duration
	ordered      bool
	batches      *pool.BatchPool
}

// ParallelConfig wires a Parallel executor.
type ParallelConfig struct {
	Chain        *stage.Chain
	Store        *metrics.Store
	Handler      *ErrorHandler
	Observer     Observer
	Logger       *zap.Logger
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	Ordered      bool
}

// NewParallel creates a parallel executor.
func NewParallel(cfg ParallelConfig) *Parallel {
	p := &Parallel{
		chain:        cfg.Chain,
		store:        cfg.Store,
		handler:      cfg.Handler,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ordered:      cfg.Ordered,
	}
	if p.chain == nil {
		p.chain = stage.NewChain()
	}
	if p.store == nil {
		p.store = metrics.NewStore()
	}
	if p.handler == nil {
		p.handler = NewErrorHandler(PolicyResilient)
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.batchTimeout <= 0 {
		p.batchTimeout = DefaultBatchTimeout
	}
	p.batches = pool.NewBatchPool(p.batchSize)
	return p
}

type batchResult struct {
	seq      uint64
	size     int
	events   []*model.Event
	dropped  int64
	errored  int64
	abort    error
	abortPos string

	metrics *metrics.Store   // merged only if the batch is emitted
	kinds   map[string]int64 // errors by kind
}

// runState is shared by the goroutines of one run.
type runState struct {
	abortSeq atomic.Uint64 // lowest seq of a batch that aborted; MaxUint64 if none
	stop     chan struct{}
	stopOnce sync.Once
	read     atomic.Int64
	count    atomic.Int64 // batches
}

func (r *runState) abort(seq uint64) {
	for {
		cur := r.abortSeq.Load()
		if seq >= cur || r.abortSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *runState) skip(seq uint64) bool {
	return seq > r.abortSeq.Load()
}

// Run consumes in until it is closed, ctx is canceled or the error policy
// aborts. On cancellation intake stops and batches already read are still
// processed and emitted. With ordered output, batches are emitted strictly by
// sequence number; otherwise in completion order.
func (p *Parallel) Run(ctx context.Context, in <-chan *model.Event, sink Sink) (*Summary, error) {
	sum := &Summary{Mode: ModeParallel, Started: time.Now()}
	defer func() { sum.Finished = time.Now() }()

	rs := &runState{stop: make(chan struct{})}
	rs.abortSeq.Store(math.MaxUint64)

	// Internal failures cancel gctx; user cancellation drains instead.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))

	queue := make(chan *model.Batch, p.workers)
	results := make(chan *batchResult, p.workers)

	g.Go(func() error {
		defer close(queue)
		canceled := p.intake(ctx, gctx, in, queue, rs)
		if canceled {
			sum.Canceled = true
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			p.work(gctx, queue, results, rs)
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		return p.emit(results, sink, rs, sum)
	})

	err := g.Wait()
	sum.Read = rs.read.Load()
	sum.Batches = rs.count.Load()
	p.logger.Debug("parallel run finished",
		zap.Int64("batches", sum.Batches),
		zap.Int("workers", p.workers),
		zap.Bool("ordered", p.ordered),
		zap.Bool("canceled", sum.Canceled))
	if err != nil {
		sum.abort(err, "")
		return sum, err
	}
	return sum, sum.AbortErr
}

// intake groups input into batches of up to batchSize events. A partial
// batch is flushed when no event arrives within batchTimeout. It reports
// whether it stopped because ctx was canceled.
func (p *Parallel) intake(ctx, gctx context.Context, in <-chan *model.Event, queue chan<- *model.Batch, rs *runState) bool {
	timer := time.NewTimer(p.batchTimeout)
	timer.Stop()
	defer timer.Stop()

	var (
		cur    *model.Batch
		timerC <-chan time.Time
		seq    uint64
	)

	// flush hands the current batch to the workers, blocking while the
	// queue is full. It reports false when the run is shutting down.
	flush := func() bool {
		if cur == nil {
			return true
		}
		timer.Stop()
		timerC = nil
		b := cur
		cur = nil
		select {
		case queue <- b:
			rs.count.Add(1)
			return true
		case <-rs.stop:
		case <-gctx.Done():
		}
		p.batches.Put(b)
		return false
	}

	for {
		select {
		case e, ok := <-in:
			if !ok {
				flush()
				return false
			}
			n := rs.read.Add(1)
			if e.Seq == 0 {
				e.Seq = uint64(n)
			}
			if cur == nil {
				cur = p.batches.Get()
				cur.Seq = seq
				seq++
			}
			cur.Events = append(cur.Events, e)
			if cur.Len() >= p.batchSize {
				if !flush() {
					return false
				}
				continue
			}
			timer.Reset(p.batchTimeout)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if !flush() {
				return false
			}

		case <-ctx.Done():
			flush()
			return true

		case <-rs.stop:
			p.batches.Put(cur)
			return false

		case <-gctx.Done():
			p.batches.Put(cur)
			return false
		}
	}
}

func (p *Parallel) work(gctx context.Context, queue <-chan *model.Batch, results chan<- *batchResult, rs *runState) {
	for b := range queue {
		if rs.skip(b.Seq) {
			p.batches.Put(b)
			continue
		}
		res := p.processBatch(b, rs)
		p.batches.Put(b)

		select {
		case results <- res:
		case <-gctx.Done():
			return
		}
	}
}

func (p *Parallel) processBatch(b *model.Batch, rs *runState) *batchResult {
	start := time.Now()
	res := &batchResult{seq: b.Seq, size: b.Len(), events: make([]*model.Event, 0, b.Len())}
	local := metrics.NewStore()
	sctx := &stage.Context{Metrics: local}

	for _, e := range b.Events {
		var err error
		if e.Err != nil {
			err = parseError(e)
		} else {
			out, keep, runErr := p.chain.Run(e, sctx)
			switch {
			case runErr != nil:
				err = runErr
			case !keep:
				res.dropped++
				continue
			default:
				res.events = append(res.events, out)
				continue
			}
		}

		res.errored++
		if res.kinds == nil {
			res.kinds = make(map[string]int64)
		}
		res.kinds[lserrors.Kind(err)]++
		if abortErr := p.handler.HandleError(err, e); abortErr != nil {
			res.abort = abortErr
			res.abortPos = e.Position()
			rs.abort(b.Seq)
			break
		}
	}

	res.metrics = local
	p.observer.Batch(res.size, time.Since(start))
	return res
}

// emit hands batch outputs to the sink. Batches after the one that aborted
// are discarded.
func (p *Parallel) emit(results <-chan *batchResult, sink Sink, rs *runState, sum *Summary) error {
	pending := make(map[uint64]*batchResult)
	var next uint64

	deliver := func(r *batchResult) error {
		if rs.skip(r.seq) {
			p.handler.Discount(r.kinds)
			return nil
		}
		p.store.Merge(r.metrics)
		for _, e := range r.events {
			if err := sink.Emit(e); err != nil {
				return lserrors.Wrap(err, lserrors.CodeSink, "sink failed").
					WithContext("position", e.Position())
			}
		}
		sum.Accepted += int64(len(r.events))
		sum.Dropped += r.dropped
		sum.Errored += r.errored
		p.observer.Events(OutcomeAccepted, len(r.events))
		p.observer.Events(OutcomeDropped, int(r.dropped))
		p.observer.Events(OutcomeErrored, int(r.errored))
		if r.abort != nil {
			sum.abort(r.abort, r.abortPos)
		}
		return nil
	}

	for r := range results {
		if !p.ordered {
			if err := deliver(r); err != nil {
				return err
			}
			continue
		}
		pending[r.seq] = r
		for {
			nr, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := deliver(nr); err != nil {
				return err
			}
		}
	}
	return nil
}
