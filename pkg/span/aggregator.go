package span

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/stage"
	"github.com/logflow/logstream/pkg/state"
	"github.com/logflow/logstream/pkg/window"
)

// View is the read-only picture of a closed span handed to the close hook.
type View struct {
	ID    string
	Start time.Time
	End   time.Time
	// Size is the number of accepted events; Events may hold fewer when
	// the retention cap was reached, in which case Truncated is set.
	Size      int
	Events    []*model.Event
	Truncated bool
	Metrics   map[string]interface{}
}

// HasBounds reports whether the span has a time boundary.
func (v *View) HasBounds() bool {
	return !v.Start.IsZero()
}

// Vars exposes the view to hook scripts as `span`.
func (v *View) Vars() map[string]interface{} {
	events := make([]interface{}, len(v.Events))
	for i, e := range v.Events {
		events[i] = e.Fields()
	}
	out := map[string]interface{}{
		"id":        v.ID,
		"size":      v.Size,
		"events":    events,
		"truncated": v.Truncated,
		"metrics":   v.Metrics,
	}
	if v.HasBounds() {
		out["start"] = v.Start
		out["end"] = v.End
	}
	return out
}

// CloseHook is invoked exactly once per closed span. Tracking calls made
// through ctx count towards the next span.
type CloseHook interface {
	OnClose(v *View, ctx *stage.Context) error
}

// HookFunc adapts a function to CloseHook.
type HookFunc func(v *View, ctx *stage.Context) error

// OnClose calls f.
func (f HookFunc) OnClose(v *View, ctx *stage.Context) error { return f(v, ctx) }

// Script is a compiled hook script.
type Script interface {
	Run(vars map[string]interface{}, ctx *stage.Context) error
}

// ScriptHook runs s on close with the view bound to `span`.
func ScriptHook(s Script) CloseHook {
	return HookFunc(func(v *View, ctx *stage.Context) error {
		return s.Run(map[string]interface{}{"span": v.Vars()}, ctx)
	})
}

// Stats counts classifications.
type Stats struct {
	Included   int64
	Late       int64
	Unassigned int64
	Closed     int64
}

type openSpan struct {
	id         string
	start, end time.Time
	index      int64 // duration mode window
	key        string
	last       time.Time // idle mode
	size       int
	events     []*model.Event
	baseline   metrics.Snapshot
	acc        *metrics.Store
}

// Aggregator assigns events to spans. It belongs to the sequential executor
// and is not safe for concurrent use.
type Aggregator struct {
	cfg    Config
	store  *metrics.Store
	hook   CloseHook
	state  *state.Map
	window *window.Window
	logger *zap.Logger
	notify []func(*View)

	cur      *openSpan
	opened   int
	anchor   time.Time
	anchored bool

	// base is the baseline for the next span. pending holds tracking done
	// while no span was open, replayed into the next span.
	base    metrics.Snapshot
	pending *metrics.Store

	stats Stats
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithHook sets the close hook.
func WithHook(h CloseHook) Option {
	return func(a *Aggregator) { a.hook = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSequentialState exposes the state map and sliding window to the
// close hook.
func WithSequentialState(s *state.Map, w *window.Window) Option {
	return func(a *Aggregator) {
		a.state = s
		a.window = w
	}
}

// WithCloseObserver registers fn to be told about each closed span before
// the hook runs.
func WithCloseObserver(fn func(*View)) Option {
	return func(a *Aggregator) { a.notify = append(a.notify, fn) }
}

// New creates an Aggregator over store. The store's current content is the
// baseline for the first span.
func New(cfg Config, store *metrics.Store, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	a := &Aggregator{
		cfg:    cfg,
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.base = store.Snapshot()
	return a, nil
}

// Stats returns classification counters.
func (a *Aggregator) Stats() Stats { return a.stats }

// Open reports whether a span is currently open.
func (a *Aggregator) Open() bool { return a.cur != nil }

// Process classifies e, annotates its SpanInfo and closes or opens spans as
// needed. ops holds the tracking calls the stage chain made for e; they are
// attributed to the span e is included in. The returned error is a
// TimestampError for an unassigned event in strict mode or a close hook
// failure; e has been classified either way.
func (a *Aggregator) Process(e *model.Event, ops *metrics.Recorder) error {
	switch a.cfg.Mode {
	case ModeCount:
		return a.processCount(e, ops)
	case ModeDuration:
		return a.processDuration(e, ops)
	case ModeField:
		return a.processField(e, ops)
	default:
		return a.processIdle(e, ops)
	}
}

// Absorb attributes tracking calls of an event that did not survive the
// stage chain to the open span, or to the next one if none is open.
func (a *Aggregator) Absorb(ops *metrics.Recorder) {
	if ops == nil || ops.Len() == 0 {
		return
	}
	if a.cur != nil {
		ops.Replay(a.cur.acc)
		return
	}
	ops.Replay(a.pendingStore())
}

// Flush closes the open span, if any. Call it once the input is exhausted or
// the run is canceled.
func (a *Aggregator) Flush() error {
	if a.cur == nil {
		return nil
	}
	return a.closeCurrent()
}

func (a *Aggregator) processCount(e *model.Event, ops *metrics.Recorder) error {
	if a.cur == nil {
		a.open(&openSpan{id: fmt.Sprintf("#%d", a.opened)})
	}
	a.include(e, ops)
	if a.cur.size >= a.cfg.Count {
		return a.closeCurrent()
	}
	return nil
}

func (a *Aggregator) processDuration(e *model.Event, ops *metrics.Recorder) error {
	ts, ok := e.Timestamp()
	if !ok {
		return a.unassign(e, "timestamp")
	}
	if !a.anchored {
		a.anchor, a.anchored = ts, true
	}
	idx := a.windowIndex(ts)

	var err error
	switch {
	case a.cur != nil && idx == a.cur.index:
	case a.cur != nil && idx < a.cur.index:
		a.late(e, idx)
		return nil
	default:
		if a.cur != nil {
			err = a.closeCurrent()
		}
		start, end := a.windowBounds(idx)
		a.open(&openSpan{id: a.windowID(idx), start: start, end: end, index: idx})
	}
	a.include(e, ops)
	return err
}

func (a *Aggregator) processField(e *model.Event, ops *metrics.Recorder) error {
	v, ok := e.Get(a.cfg.Field)
	if !ok || v == nil {
		return a.unassign(e, a.cfg.Field)
	}
	key := fmt.Sprint(v)

	var err error
	if a.cur == nil || a.cur.key != key {
		if a.cur != nil {
			err = a.closeCurrent()
		}
		a.open(&openSpan{id: fmt.Sprintf("%s=%s#%d", a.cfg.Field, key, a.opened), key: key})
	}
	a.include(e, ops)
	return err
}

func (a *Aggregator) processIdle(e *model.Event, ops *metrics.Recorder) error {
	ts, ok := e.Timestamp()
	if !ok {
		return a.unassign(e, "timestamp")
	}

	var err error
	if a.cur != nil && ts.Sub(a.cur.last) > a.cfg.Idle {
		err = a.closeCurrent()
	}
	if a.cur == nil {
		a.open(&openSpan{id: fmt.Sprintf("idle#%d", a.opened), start: ts, last: ts})
	}
	if ts.After(a.cur.last) {
		a.cur.last = ts
	}
	a.include(e, ops)
	return err
}

func (a *Aggregator) windowIndex(ts time.Time) int64 {
	d := ts.Sub(a.anchor)
	idx := int64(d / a.cfg.Duration)
	if d < 0 && d%a.cfg.Duration != 0 {
		idx--
	}
	return idx
}

func (a *Aggregator) windowBounds(idx int64) (time.Time, time.Time) {
	start := a.anchor.Add(time.Duration(idx) * a.cfg.Duration)
	return start, start.Add(a.cfg.Duration)
}

func (a *Aggregator) windowID(idx int64) string {
	start, _ := a.windowBounds(idx)
	return start.UTC().Format(time.RFC3339) + "/" + formatDuration(a.cfg.Duration)
}

func (a *Aggregator) open(s *openSpan) {
	s.baseline = a.base
	s.acc = metrics.NewStore()
	s.acc.MergeSnapshot(a.base)
	if a.pending != nil {
		s.acc.Merge(a.pending)
		a.pending = nil
	}
	a.cur = s
	a.opened++
}

func (a *Aggregator) include(e *model.Event, ops *metrics.Recorder) {
	s := a.cur
	s.size++
	if a.cfg.MaxEvents < 0 || len(s.events) < a.cfg.MaxEvents {
		s.events = append(s.events, e)
	}
	if ops != nil {
		ops.Replay(s.acc)
	}
	e.Span = model.SpanInfo{Status: model.SpanIncluded, ID: s.id}
	if a.cfg.Mode == ModeDuration {
		e.Span.Start, e.Span.End = s.start, s.end
	}
	a.stats.Included++
}

func (a *Aggregator) late(e *model.Event, idx int64) {
	start, end := a.windowBounds(idx)
	e.Span = model.SpanInfo{Status: model.SpanLate, ID: a.windowID(idx), Start: start, End: end}
	a.stats.Late++
}

func (a *Aggregator) unassign(e *model.Event, missing string) error {
	e.Span = model.SpanInfo{Status: model.SpanUnassigned}
	a.stats.Unassigned++
	if !a.cfg.Strict {
		return nil
	}
	return lserrors.MissingTimestamp(string(a.cfg.Mode)).
		WithContext("missing", missing).
		WithContext("position", e.Position())
}

func (a *Aggregator) closeCurrent() error {
	s := a.cur
	a.cur = nil

	view := &View{
		ID:        s.id,
		Start:     s.start,
		End:       s.end,
		Size:      s.size,
		Events:    s.events,
		Truncated: len(s.events) < s.size,
		Metrics:   s.acc.Snapshot().Delta(s.baseline),
	}
	if a.cfg.Mode == ModeIdle {
		view.End = s.last
	}
	a.base = a.store.Snapshot()
	a.stats.Closed++

	for _, fn := range a.notify {
		fn(view)
	}
	if a.hook == nil {
		return nil
	}

	rec := metrics.NewRecorder(a.store)
	ctx := &stage.Context{Metrics: rec, State: a.state, Window: a.window}
	err := runHook(a.hook, view, ctx)
	rec.Replay(a.pendingStore())
	if err != nil {
		a.logger.Warn("span close hook failed", zap.String("span", view.ID), zap.Error(err))
		return lserrors.Wrap(err, lserrors.CodeSpanHook, "span close hook failed").
			WithContext("span", view.ID)
	}
	return nil
}

func runHook(h CloseHook, v *View, ctx *stage.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = lserrors.New(lserrors.CodePanic, fmt.Sprintf("close hook panic: %v", r))
		}
	}()
	return h.OnClose(v, ctx)
}

func (a *Aggregator) pendingStore() *metrics.Store {
	if a.pending == nil {
		a.pending = metrics.NewStore()
	}
	return a.pending
}
