package script

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/stage"
	"github.com/logflow/logstream/pkg/state"
	"github.com/logflow/logstream/pkg/window"
)

func sequentialCtx() *stage.Context {
	return &stage.Context{
		Metrics: metrics.NewStore(),
		Window:  window.New(3),
		State:   state.New(),
	}
}

func storeOf(ctx *stage.Context) *metrics.Store {
	return ctx.Metrics.(*metrics.Store)
}

func TestFilter(t *testing.T) {
	f, err := CompileFilter(`e.status >= 500 && e.method == "GET"`)
	require.NoError(t, err)

	tests := []struct {
		fields map[string]interface{}
		keep   bool
	}{
		{map[string]interface{}{"status": 503, "method": "GET"}, true},
		{map[string]interface{}{"status": 200, "method": "GET"}, false},
		{map[string]interface{}{"status": 500.0, "method": "POST"}, false},
	}
	for _, tt := range tests {
		v, err := f.Invoke(model.NewEventFromMap(tt.fields), sequentialCtx())
		require.NoError(t, err)
		assert.Equal(t, tt.keep, v.Keep, "%v", tt.fields)
	}
}

func TestFilter_NonBool(t *testing.T) {
	f, err := CompileFilter(`e.status`)
	require.NoError(t, err)
	_, err = f.Invoke(model.NewEventFromMap(map[string]interface{}{"status": 1}), sequentialCtx())
	assert.Error(t, err)
}

func TestCompile_Errors(t *testing.T) {
	_, err := CompileFilter(`e.status >=`)
	require.Error(t, err)
	assert.True(t, lserrors.IsCode(err, lserrors.CodeConfig))

	_, err = CompileFilter("  ")
	assert.Error(t, err)

	_, err = CompileExec(`1 + 1 = 2`)
	assert.Error(t, err)

	_, err = CompileHook(`x = 1`)
	assert.Error(t, err)
}

func TestExec_AssignAndDelete(t *testing.T) {
	x, err := CompileExec(`level = upper(e.level); e.code = e.status * 2; e["@msg"] = "m=" + e.msg; msg = nil; copy = e.code`)
	require.NoError(t, err)

	e := model.NewEventFromMap(map[string]interface{}{"level": "warn", "status": 21, "msg": "hi"})
	v, err := x.Invoke(e, sequentialCtx())
	require.NoError(t, err)
	require.True(t, v.Keep)

	out := v.Event
	lvl, _ := out.Get("level")
	assert.Equal(t, "WARN", lvl)
	code, _ := out.Get("code")
	assert.Equal(t, int64(42), code)
	copied, _ := out.Get("copy")
	assert.Equal(t, int64(42), copied, "later statements see earlier assignments")
	m, _ := out.Get("@msg")
	assert.Equal(t, "m=hi", m)
	_, ok := out.Get("msg")
	assert.False(t, ok)
}

func TestExec_Drop(t *testing.T) {
	x, err := CompileExec(`e.level == "debug" ? drop() : nil`)
	require.NoError(t, err)

	v, err := x.Invoke(model.NewEventFromMap(map[string]interface{}{"level": "debug"}), sequentialCtx())
	require.NoError(t, err)
	assert.False(t, v.Keep)

	v, err = x.Invoke(model.NewEventFromMap(map[string]interface{}{"level": "info"}), sequentialCtx())
	require.NoError(t, err)
	assert.True(t, v.Keep)
}

func TestExec_Tracking(t *testing.T) {
	x, err := CompileExec(`track_count("events"); track_sum("bytes", e.bytes); track_unique("users", e.user); track_bucket("status", e.status); track_max("peak", e.bytes)`)
	require.NoError(t, err)

	ctx := sequentialCtx()
	for _, f := range []map[string]interface{}{
		{"bytes": 10, "user": "a", "status": 200},
		{"bytes": 5, "user": "b", "status": 500},
		{"user": "a", "status": 200},
	} {
		_, err := x.Invoke(model.NewEventFromMap(f), ctx)
		require.NoError(t, err)
	}

	values := storeOf(ctx).Snapshot().Values()
	assert.Equal(t, int64(3), values["events"])
	assert.Equal(t, int64(15), values["bytes"])
	assert.Equal(t, int64(2), values["users"])
	assert.Equal(t, map[string]int64{"200": 2, "500": 1}, values["status"])
	assert.Equal(t, int64(10), values["peak"])
}

func TestExec_ConflictDoesNotFail(t *testing.T) {
	x, err := CompileExec(`track_count("k"); track_sum("k", 3)`)
	require.NoError(t, err)
	ctx := sequentialCtx()
	_, err = x.Invoke(model.NewEvent(), ctx)
	require.NoError(t, err)
	assert.Len(t, storeOf(ctx).Conflicts(), 1)
}

func TestExec_StateAndWindow(t *testing.T) {
	x, err := CompileExec(`seen = state_has(e.user); state_set(e.user, true); prev = window_len()`)
	require.NoError(t, err)
	assert.Equal(t, stage.CapState|stage.CapWindow, x.Capabilities())

	ctx := sequentialCtx()
	first := model.NewEventFromMap(map[string]interface{}{"user": "a"})
	v, err := x.Invoke(first, ctx)
	require.NoError(t, err)
	ctx.Window.Push(v.Event)

	v, err = x.Invoke(model.NewEventFromMap(map[string]interface{}{"user": "a"}), ctx)
	require.NoError(t, err)
	seen, _ := v.Event.Get("seen")
	assert.Equal(t, true, seen)
	prev, _ := v.Event.Get("prev")
	assert.Equal(t, int64(1), prev)
}

func TestExec_StateUnavailable(t *testing.T) {
	x, err := CompileExec(`state_set("k", 1)`)
	require.NoError(t, err)
	_, err = x.Invoke(model.NewEvent(), &stage.Context{Metrics: metrics.NewStore()})
	assert.Error(t, err)
}

func TestHook(t *testing.T) {
	var buf bytes.Buffer
	h, err := CompileHook(`print(span.id, span.size); track_count("spans")`, WithOutput(&buf))
	require.NoError(t, err)
	assert.Equal(t, stage.Capability(0), h.Capabilities())

	ctx := sequentialCtx()
	err = h.Run(map[string]interface{}{"span": map[string]interface{}{"id": "#0", "size": 3}}, ctx)
	require.NoError(t, err)
	assert.Equal(t, "#0 3\n", buf.String())

	v, _ := ctx.Metrics.Get("spans")
	assert.Equal(t, int64(1), v)
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements(`a = "x;y"; b = f(1; 2) ;; c`)
	assert.Equal(t, []string{`a = "x;y"`, `b = f(1; 2)`, `c`}, got)
}

func TestAssignIndex(t *testing.T) {
	tests := []struct {
		stmt string
		want int
	}{
		{`a = 1`, 2},
		{`a == 1`, -1},
		{`a != 1`, -1},
		{`a <= 1`, -1},
		{`f(a = 1)`, -1},
		{`"a=b"`, -1},
		{`e["k"] = 1`, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, assignIndex(tt.stmt), tt.stmt)
	}
}
