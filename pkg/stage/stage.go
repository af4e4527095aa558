// Package stage implements the Stage Chain: an ordered list of level
// filters, predicates and transforms applied to every event.
package stage

import (
	"fmt"
	"strings"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/state"
	"github.com/logflow/logstream/pkg/window"
)

// Kind tags the stage variant.
type Kind string

const (
	KindLevel     Kind = "level"
	KindPredicate Kind = "filter"
	KindTransform Kind = "exec"
)

// Capability is a bit set of the sequential-only facilities a stage uses.
type Capability uint8

const (
	CapWindow Capability = 1 << iota
	CapState
)

// Has reports whether c includes o.
func (c Capability) Has(o Capability) bool { return c&o != 0 }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapWindow) {
		parts = append(parts, "window")
	}
	if c.Has(CapState) {
		parts = append(parts, "state")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Tracker is the metrics-tracking facade offered to stages. Both
// *metrics.Store and *metrics.Recorder satisfy it.
type Tracker interface {
	Apply(key string, op metrics.Op, value interface{}) error
	Get(key string) (interface{}, bool)
}

// Context is what a stage may read or write besides the event itself.
// Window and State are nil under the parallel model.
type Context struct {
	Metrics Tracker
	Window  *window.Window
	State   *state.Map
}

// Verdict is the result of invoking a script callable. Event replaces the
// input when non-nil. Keep false drops the event.
type Verdict struct {
	Event *model.Event
	Keep  bool
}

// Callable is the opaque script contract: invoke(event, context) returns a
// verdict or an error.
type Callable interface {
	Invoke(e *model.Event, ctx *Context) (Verdict, error)
	Capabilities() Capability
}

// Func adapts a plain function to Callable.
type Func func(e *model.Event, ctx *Context) (Verdict, error)

// Invoke calls f.
func (f Func) Invoke(e *model.Event, ctx *Context) (Verdict, error) { return f(e, ctx) }

// Capabilities returns no capabilities.
func (f Func) Capabilities() Capability { return 0 }

// Stage consumes one event and keeps it (possibly changed), drops it, or
// fails.
type Stage interface {
	Name() string
	Kind() Kind
	Capabilities() Capability
	Process(e *model.Event, ctx *Context) (*model.Event, bool, error)
}

// LevelFilter keeps or drops events by their level field.
type LevelFilter struct {
	levels map[string]struct{}
	deny   bool
}

// NewLevelAllow builds a filter that keeps only the listed levels. Include
// the empty string to keep events that carry no level.
func NewLevelAllow(levels ...string) *LevelFilter {
	return newLevelFilter(levels, false)
}

// NewLevelDeny builds a filter that drops the listed levels.
func NewLevelDeny(levels ...string) *LevelFilter {
	return newLevelFilter(levels, true)
}

func newLevelFilter(levels []string, deny bool) *LevelFilter {
	f := &LevelFilter{levels: make(map[string]struct{}, len(levels)), deny: deny}
	for _, l := range levels {
		f.levels[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return f
}

func (f *LevelFilter) Name() string {
	if f.deny {
		return "levels-deny"
	}
	return "levels-allow"
}

func (f *LevelFilter) Kind() Kind               { return KindLevel }
func (f *LevelFilter) Capabilities() Capability { return 0 }

// Process implements Stage.
func (f *LevelFilter) Process(e *model.Event, _ *Context) (*model.Event, bool, error) {
	level, ok := e.Level()
	if !ok {
		if f.deny {
			return e, true, nil
		}
		_, keep := f.levels[""]
		return e, keep, nil
	}
	_, listed := f.levels[level]
	return e, listed != f.deny, nil
}

// Predicate keeps the events for which its callable returns true.
type Predicate struct {
	name string
	fn   Callable
}

// NewPredicate wraps fn as a filter stage.
func NewPredicate(name string, fn Callable) *Predicate {
	return &Predicate{name: name, fn: fn}
}

func (p *Predicate) Name() string             { return p.name }
func (p *Predicate) Kind() Kind               { return KindPredicate }
func (p *Predicate) Capabilities() Capability { return p.fn.Capabilities() }

// Process implements Stage. A predicate never replaces the event.
func (p *Predicate) Process(e *model.Event, ctx *Context) (*model.Event, bool, error) {
	v, err := p.fn.Invoke(e, ctx)
	if err != nil {
		return nil, false, err
	}
	return e, v.Keep, nil
}

// Transform mutates or replaces events. A verdict with Keep false drops the
// event.
type Transform struct {
	name string
	fn   Callable
}

// NewTransform wraps fn as a transform stage.
func NewTransform(name string, fn Callable) *Transform {
	return &Transform{name: name, fn: fn}
}

func (t *Transform) Name() string             { return t.name }
func (t *Transform) Kind() Kind               { return KindTransform }
func (t *Transform) Capabilities() Capability { return t.fn.Capabilities() }

// Process implements Stage.
func (t *Transform) Process(e *model.Event, ctx *Context) (*model.Event, bool, error) {
	v, err := t.fn.Invoke(e, ctx)
	if err != nil {
		return nil, false, err
	}
	if !v.Keep {
		return nil, false, nil
	}
	if v.Event != nil {
		return v.Event, true, nil
	}
	return e, true, nil
}

func errorCode(k Kind) lserrors.Code {
	switch k {
	case KindLevel:
		return lserrors.CodeStageLevel
	case KindPredicate:
		return lserrors.CodeStageFilter
	default:
		return lserrors.CodeStageExec
	}
}

func stageLabel(i int, s Stage) string {
	return fmt.Sprintf("%d:%s", i+1, s.Name())
}
