package script

import (
	"fmt"
	"io"
	"time"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/stage"
)

// runtime carries per-invocation state for the helper functions.
type runtime struct {
	ctx     *stage.Context
	out     io.Writer
	dropped bool
}

func newRuntime(ctx *stage.Context, out io.Writer) *runtime {
	if ctx == nil {
		ctx = &stage.Context{}
	}
	return &runtime{ctx: ctx, out: out}
}

type fn = func(args ...interface{}) (interface{}, error)

func (r *runtime) env() map[string]interface{} {
	return map[string]interface{}{
		"track_count":      r.trackCount,
		"track_sum":        r.track(metrics.OpSum),
		"track_min":        r.track(metrics.OpMin),
		"track_max":        r.track(metrics.OpMax),
		"track_avg":        r.track(metrics.OpAvg),
		"track_unique":     r.track(metrics.OpUnique),
		"track_bucket":     r.track(metrics.OpBucket),
		"track_percentile": r.track(metrics.OpPercentile),
		"metric":           r.metric,
		"state_get":        r.stateGet,
		"state_set":        r.stateSet,
		"state_has":        r.stateHas,
		"window_values":    r.windowValues,
		"window_numbers":   r.windowNumbers,
		"window_len":       r.windowLen,
		"to_number":        toNumber,
		"print":            r.print,
		"drop":             r.drop,
	}
}

func (r *runtime) eventEnv(e *model.Event) map[string]interface{} {
	env := r.env()
	env["e"] = e.Fields()
	meta := map[string]interface{}{
		"source": e.Source,
		"line":   e.Line,
	}
	if ts, ok := e.Timestamp(); ok {
		meta["ts"] = ts
	}
	env["meta"] = meta
	return env
}

func arity(name string, args []interface{}, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: want %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func keyArg(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// applyMetric tolerates type conflicts: the store records them as
// diagnostics and the event carries on.
func (r *runtime) applyMetric(key string, op metrics.Op, v interface{}) error {
	if r.ctx.Metrics == nil {
		return fmt.Errorf("track_%s: metrics are not available here", op)
	}
	err := r.ctx.Metrics.Apply(key, op, v)
	if lserrors.IsCode(err, lserrors.CodeMetricConflict) {
		return nil
	}
	return err
}

func (r *runtime) trackCount(args ...interface{}) (interface{}, error) {
	if err := arity("track_count", args, 1); err != nil {
		return nil, err
	}
	return nil, r.applyMetric(keyArg(args[0]), metrics.OpCount, nil)
}

func (r *runtime) track(op metrics.Op) fn {
	name := "track_" + string(op)
	return func(args ...interface{}) (interface{}, error) {
		if err := arity(name, args, 2); err != nil {
			return nil, err
		}
		// Missing fields evaluate to nil; those observations are skipped.
		if args[1] == nil {
			return nil, nil
		}
		return nil, r.applyMetric(keyArg(args[0]), op, args[1])
	}
}

func (r *runtime) metric(args ...interface{}) (interface{}, error) {
	if err := arity("metric", args, 1); err != nil {
		return nil, err
	}
	if r.ctx.Metrics == nil {
		return nil, nil
	}
	v, _ := r.ctx.Metrics.Get(keyArg(args[0]))
	return v, nil
}

func (r *runtime) stateGet(args ...interface{}) (interface{}, error) {
	if err := arity("state_get", args, 1); err != nil {
		return nil, err
	}
	if r.ctx.State == nil {
		return nil, errNoState
	}
	v, _ := r.ctx.State.Get(keyArg(args[0]))
	return v, nil
}

func (r *runtime) stateSet(args ...interface{}) (interface{}, error) {
	if err := arity("state_set", args, 2); err != nil {
		return nil, err
	}
	if r.ctx.State == nil {
		return nil, errNoState
	}
	r.ctx.State.Set(keyArg(args[0]), args[1])
	return args[1], nil
}

func (r *runtime) stateHas(args ...interface{}) (interface{}, error) {
	if err := arity("state_has", args, 1); err != nil {
		return nil, err
	}
	if r.ctx.State == nil {
		return nil, errNoState
	}
	return r.ctx.State.Has(keyArg(args[0])), nil
}

func (r *runtime) windowValues(args ...interface{}) (interface{}, error) {
	if err := arity("window_values", args, 1); err != nil {
		return nil, err
	}
	if r.ctx.Window == nil {
		return nil, errNoWindow
	}
	return r.ctx.Window.Values(keyArg(args[0])), nil
}

func (r *runtime) windowNumbers(args ...interface{}) (interface{}, error) {
	if err := arity("window_numbers", args, 1); err != nil {
		return nil, err
	}
	if r.ctx.Window == nil {
		return nil, errNoWindow
	}
	nums := r.ctx.Window.Numbers(keyArg(args[0]))
	out := make([]interface{}, len(nums))
	for i, n := range nums {
		out[i] = n
	}
	return out, nil
}

func (r *runtime) windowLen(args ...interface{}) (interface{}, error) {
	if err := arity("window_len", args, 0); err != nil {
		return nil, err
	}
	if r.ctx.Window == nil {
		return nil, errNoWindow
	}
	return r.ctx.Window.Len(), nil
}

func (r *runtime) print(args ...interface{}) (interface{}, error) {
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.Format(time.RFC3339Nano)
		}
	}
	_, err := fmt.Fprintln(r.out, args...)
	return nil, err
}

func (r *runtime) drop(args ...interface{}) (interface{}, error) {
	if err := arity("drop", args, 0); err != nil {
		return nil, err
	}
	r.dropped = true
	return nil, nil
}

func toNumber(args ...interface{}) (interface{}, error) {
	if err := arity("to_number", args, 1); err != nil {
		return nil, err
	}
	f, ok := model.ToFloat(args[0])
	if !ok {
		return nil, nil
	}
	return f, nil
}

var (
	errNoState  = fmt.Errorf("state map is only available in sequential mode")
	errNoWindow = fmt.Errorf("sliding window is only available in sequential mode")
)
