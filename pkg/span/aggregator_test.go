package span

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/stage"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	views []*View
}

func (r *recorder) hook() CloseHook {
	return HookFunc(func(v *View, _ *stage.Context) error {
		r.views = append(r.views, v)
		return nil
	})
}

func (r *recorder) sizes() []int {
	out := make([]int, len(r.views))
	for i, v := range r.views {
		out[i] = v.Size
	}
	return out
}

func (r *recorder) ids() []string {
	out := make([]string, len(r.views))
	for i, v := range r.views {
		out[i] = v.ID
	}
	return out
}

func at(d time.Duration) *model.Event {
	e := model.NewEvent()
	e.SetTimestamp(t0.Add(d))
	return e
}

func newAgg(t *testing.T, cfg Config, store *metrics.Store, rec *recorder) *Aggregator {
	t.Helper()
	a, err := New(cfg, store, WithHook(rec.hook()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return a
}

func TestCount_Sizes(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeCount, Count: 3}, metrics.NewStore(), rec)

	for i := 0; i < 7; i++ {
		require.NoError(t, a.Process(model.NewEvent(), nil))
	}
	require.NoError(t, a.Flush())

	assert.Equal(t, []int{3, 3, 1}, rec.sizes())
	assert.Equal(t, []string{"#0", "#1", "#2"}, rec.ids())
	assert.Len(t, rec.views[2].Events, 1)
	assert.False(t, a.Open())
	require.NoError(t, a.Flush(), "flushing twice is a no-op")
	assert.Len(t, rec.views, 3)
}

func TestCount_RetentionCapMarksTruncated(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeCount, Count: 3, MaxEvents: 2}, metrics.NewStore(), rec)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Process(model.NewEvent(), nil))
	}
	require.NoError(t, a.Flush())

	require.Len(t, rec.views, 2)
	full, tail := rec.views[0], rec.views[1]
	assert.Equal(t, 3, full.Size)
	assert.Len(t, full.Events, 2)
	assert.True(t, full.Truncated)
	assert.Equal(t, true, full.Vars()["truncated"])

	assert.Equal(t, 2, tail.Size)
	assert.False(t, tail.Truncated)
	assert.Equal(t, false, tail.Vars()["truncated"])
}

func TestDuration_LateEvent(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeDuration, Duration: 5 * time.Minute}, metrics.NewStore(), rec)

	events := []*model.Event{at(0), at(time.Minute), at(6 * time.Minute), at(4 * time.Minute)}
	for _, e := range events {
		require.NoError(t, a.Process(e, nil))
	}
	require.NoError(t, a.Flush())

	require.Len(t, rec.views, 2)
	first := rec.views[0]
	assert.Equal(t, "2024-01-01T00:00:00Z/5m", first.ID)
	assert.Equal(t, t0, first.Start)
	assert.Equal(t, t0.Add(5*time.Minute), first.End)
	assert.Equal(t, []*model.Event{events[0], events[1]}, first.Events)
	assert.Equal(t, "2024-01-01T00:05:00Z/5m", rec.views[1].ID)
	assert.Equal(t, []*model.Event{events[2]}, rec.views[1].Events)

	late := events[3].Span
	assert.Equal(t, model.SpanLate, late.Status)
	assert.Equal(t, first.ID, late.ID)
	assert.Equal(t, model.SpanIncluded, events[2].Span.Status)

	assert.Equal(t, Stats{Included: 3, Late: 1, Closed: 2}, a.Stats())
}

func TestDuration_AnchorIsFirstEvent(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeDuration, Duration: time.Hour}, metrics.NewStore(), rec)

	require.NoError(t, a.Process(at(17*time.Minute), nil))
	require.NoError(t, a.Process(at(77*time.Minute), nil))
	require.NoError(t, a.Process(at(200*time.Minute), nil))
	require.NoError(t, a.Flush())

	assert.Equal(t, []string{
		"2024-01-01T00:17:00Z/1h",
		"2024-01-01T01:17:00Z/1h",
		"2024-01-01T03:17:00Z/1h",
	}, rec.ids(), "empty windows in between never open")
}

func TestField_NoReuse(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeField, Field: "req"}, metrics.NewStore(), rec)

	for _, id := range []string{"a", "a", "b", "a"} {
		require.NoError(t, a.Process(model.NewEventFromMap(map[string]interface{}{"req": id}), nil))
	}
	require.NoError(t, a.Flush())

	assert.Equal(t, []string{"req=a#0", "req=b#1", "req=a#2"}, rec.ids())
	assert.Equal(t, []int{2, 1, 1}, rec.sizes())
}

func TestIdle_UnassignedResilient(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeIdle, Idle: 30 * time.Second}, metrics.NewStore(), rec)

	noTS := model.NewEventFromMap(map[string]interface{}{"msg": "no ts"})
	events := []*model.Event{at(0), at(10 * time.Second), noTS, at(20 * time.Second), at(90 * time.Second)}
	for _, e := range events {
		require.NoError(t, a.Process(e, nil))
	}
	require.NoError(t, a.Flush())

	assert.Equal(t, []string{"idle#0", "idle#1"}, rec.ids())
	assert.Equal(t, []int{3, 1}, rec.sizes())
	assert.NotContains(t, rec.views[0].Events, noTS)
	assert.Equal(t, model.SpanUnassigned, noTS.Span.Status)
	assert.Equal(t, t0, rec.views[0].Start)
	assert.Equal(t, t0.Add(20*time.Second), rec.views[0].End)
}

func TestStrictUnassigned(t *testing.T) {
	a, err := New(Config{Mode: ModeDuration, Duration: time.Minute, Strict: true}, metrics.NewStore())
	require.NoError(t, err)

	err = a.Process(model.NewEvent(), nil)
	require.Error(t, err)
	assert.True(t, lserrors.IsCode(err, lserrors.CodeTimestamp))
}

func TestExhaustiveClassification(t *testing.T) {
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeDuration, Duration: time.Minute}, metrics.NewStore(), rec)

	offsets := []int{0, 30, 70, 20, -5, 200, 130, 250, -1, 61}
	var events []*model.Event
	for i, off := range offsets {
		var e *model.Event
		if off < 0 {
			e = model.NewEvent()
		} else {
			e = at(time.Duration(off) * time.Second)
		}
		e.Line = int64(i + 1)
		events = append(events, e)
		require.NoError(t, a.Process(e, nil))
		assert.LessOrEqual(t, a.Stats().Closed, int64(a.opened))
		assert.True(t, int64(a.opened)-a.Stats().Closed <= 1, "at most one open span")
	}
	require.NoError(t, a.Flush())

	seen := make(map[*model.Event]int)
	for _, v := range rec.views {
		for _, e := range v.Events {
			seen[e]++
		}
	}
	var included, late, unassigned int
	for _, e := range events {
		switch e.Span.Status {
		case model.SpanIncluded:
			included++
			assert.Equal(t, 1, seen[e], "line %d", e.Line)
		case model.SpanLate:
			late++
			assert.Zero(t, seen[e])
		case model.SpanUnassigned:
			unassigned++
			assert.Zero(t, seen[e])
		default:
			t.Fatalf("line %d not classified", e.Line)
		}
	}
	assert.Equal(t, len(events), included+late+unassigned)
	assert.Equal(t, 2, unassigned)
}

func TestMetricDeltas(t *testing.T) {
	store := metrics.NewStore()
	require.NoError(t, store.Count("before"))

	var views []*View
	hook := HookFunc(func(v *View, ctx *stage.Context) error {
		views = append(views, v)
		return ctx.Metrics.Apply("closed", metrics.OpCount, nil)
	})
	a, err := New(Config{Mode: ModeCount, Count: 2}, store, WithHook(hook))
	require.NoError(t, err)

	ops := metrics.NewRecorder(store)
	track := func(key string, n int64) {
		require.NoError(t, ops.Apply(key, metrics.OpSum, n))
	}

	// Span #0: two events, plus one event dropped by the chain.
	ops.Reset()
	track("bytes", 10)
	require.NoError(t, a.Process(model.NewEvent(), ops))
	ops.Reset()
	track("dropped", 1)
	a.Absorb(ops)
	ops.Reset()
	track("bytes", 5)
	require.NoError(t, a.Process(model.NewEvent(), ops))

	// Span #1: one event; it also sees the hook's write.
	ops.Reset()
	track("bytes", 1)
	require.NoError(t, a.Process(model.NewEvent(), ops))
	require.NoError(t, a.Flush())

	require.Len(t, views, 2)
	assert.Equal(t, map[string]interface{}{"bytes": int64(15), "dropped": int64(1)}, views[0].Metrics)
	assert.Equal(t, map[string]interface{}{"bytes": int64(1), "closed": int64(1)}, views[1].Metrics)

	total, _ := store.Get("closed")
	assert.Equal(t, int64(2), total)
}

func TestLateEventMetricsExcluded(t *testing.T) {
	store := metrics.NewStore()
	rec := &recorder{}
	a := newAgg(t, Config{Mode: ModeDuration, Duration: time.Minute}, store, rec)
	ops := metrics.NewRecorder(store)

	send := func(e *model.Event) {
		ops.Reset()
		require.NoError(t, ops.Apply("n", metrics.OpCount, nil))
		require.NoError(t, a.Process(e, ops))
	}
	send(at(0))
	send(at(2 * time.Minute))
	send(at(10 * time.Second)) // late
	require.NoError(t, a.Flush())

	require.Len(t, rec.views, 2)
	assert.Equal(t, int64(1), rec.views[1].Metrics["n"])
	total, _ := store.Get("n")
	assert.Equal(t, int64(3), total, "late events still count towards totals")
}

func TestHookFailure(t *testing.T) {
	hook := HookFunc(func(*View, *stage.Context) error { return errors.New("boom") })
	a, err := New(Config{Mode: ModeCount, Count: 1}, metrics.NewStore(), WithHook(hook))
	require.NoError(t, err)

	e := model.NewEvent()
	err = a.Process(e, nil)
	require.Error(t, err)
	assert.True(t, lserrors.IsCode(err, lserrors.CodeSpanHook))
	assert.Equal(t, model.SpanIncluded, e.Span.Status)
}

func TestScriptHook(t *testing.T) {
	var got map[string]interface{}
	s := scriptFunc(func(vars map[string]interface{}, _ *stage.Context) error {
		got = vars["span"].(map[string]interface{})
		return nil
	})
	a, err := New(Config{Mode: ModeCount, Count: 1}, metrics.NewStore(), WithHook(ScriptHook(s)))
	require.NoError(t, err)
	require.NoError(t, a.Process(model.NewEventFromMap(map[string]interface{}{"k": "v"}), nil))

	assert.Equal(t, "#0", got["id"])
	assert.Equal(t, 1, got["size"])
	assert.Equal(t, []interface{}{map[string]interface{}{"k": "v"}}, got["events"])
	assert.NotContains(t, got, "start")
}

type scriptFunc func(map[string]interface{}, *stage.Context) error

func (f scriptFunc) Run(vars map[string]interface{}, ctx *stage.Context) error { return f(vars, ctx) }

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want Config
		err  bool
	}{
		{"100", Config{Mode: ModeCount, Count: 100}, false},
		{"5m", Config{Mode: ModeDuration, Duration: 5 * time.Minute}, false},
		{"field:request_id", Config{Mode: ModeField, Field: "request_id"}, false},
		{"idle:30s", Config{Mode: ModeIdle, Idle: 30 * time.Second}, false},
		{"idle:soon", Config{}, true},
		{"weekly", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Mode: ModeCount}.Validate())
	assert.Error(t, Config{Mode: ModeDuration}.Validate())
	assert.Error(t, Config{Mode: ModeField}.Validate())
	assert.Error(t, Config{Mode: ModeIdle}.Validate())
	assert.Error(t, Config{Mode: "hourly"}.Validate())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "1h", formatDuration(time.Hour))
	assert.Equal(t, "1h30m", formatDuration(90*time.Minute))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
}
