package stage

import (
	"fmt"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
)

// Chain runs stages in declared order. It is built once and shared by all
// workers; stages must not keep per-event state of their own.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain from stages in order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Stages returns the stages in order.
func (c *Chain) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Capabilities is the union of every stage's capabilities.
func (c *Chain) Capabilities() Capability {
	var caps Capability
	for _, s := range c.stages {
		caps |= s.Capabilities()
	}
	return caps
}

// ValidateParallel rejects chains that need the sliding window or the state
// map, which the parallel model does not provide.
func (c *Chain) ValidateParallel() error {
	for i, s := range c.stages {
		if caps := s.Capabilities(); caps != 0 {
			return lserrors.Config("stage %s uses %s, which requires sequential mode", stageLabel(i, s), caps).
				WithContext("stage", s.Name())
		}
	}
	return nil
}

// Run applies every stage to e. It returns the surviving event and true, or
// false when a stage dropped it. A stage error or panic stops the chain and
// is returned as a coded StageError; the event is not kept.
func (c *Chain) Run(e *model.Event, ctx *Context) (*model.Event, bool, error) {
	cur := e
	for i, s := range c.stages {
		next, keep, err := runStage(s, cur, ctx)
		if err != nil {
			return nil, false, wrapStageError(err, i, s, e)
		}
		if !keep {
			return nil, false, nil
		}
		if next != nil {
			cur = next
		}
	}
	return cur, true, nil
}

func runStage(s Stage, e *model.Event, ctx *Context) (out *model.Event, keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, keep = nil, false
			err = lserrors.New(lserrors.CodePanic, fmt.Sprintf("stage panic: %v", r))
		}
	}()
	return s.Process(e, ctx)
}

func wrapStageError(err error, i int, s Stage, e *model.Event) error {
	code := errorCode(s.Kind())
	if lserrors.IsCode(err, lserrors.CodePanic) {
		code = lserrors.CodePanic
	}
	return lserrors.Wrapf(err, code, "stage %s failed", stageLabel(i, s)).
		WithContext("stage", s.Name()).
		WithContext("position", e.Position())
}
