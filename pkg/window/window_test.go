package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/logstream/internal/model"
)

func ev(n int) *model.Event {
	return model.NewEventFromMap(map[string]interface{}{"n": n, "s": "x"})
}

func ids(w *Window) []interface{} {
	return w.Values("n")
}

func TestWindow_Evicts(t *testing.T) {
	w := New(3)
	for i := 1; i <= 5; i++ {
		w.Push(ev(i))
	}
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []interface{}{int64(3), int64(4), int64(5)}, ids(w))
	assert.Equal(t, []float64{3, 4, 5}, w.Numbers("n"))
	assert.Empty(t, w.Numbers("s"))
	assert.Nil(t, w.At(3))
}

func TestWindow_Idempotent(t *testing.T) {
	events := make([]*model.Event, 10)
	for i := range events {
		events[i] = ev(i)
	}

	a, b := New(4), New(4)
	for _, e := range events {
		a.Push(e)
		b.Push(e)
		require.Equal(t, ids(a), ids(b))
	}
}

func TestWindow_Disabled(t *testing.T) {
	w := New(0)
	w.Push(ev(1))
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Events())
}

func TestWindow_Reset(t *testing.T) {
	w := New(2)
	w.Push(ev(1))
	w.Push(ev(2))
	w.Reset()
	assert.Equal(t, 0, w.Len())
	w.Push(ev(3))
	assert.Equal(t, []interface{}{int64(3)}, ids(w))
}

func TestWindow_Unpush(t *testing.T) {
	w := New(3)
	assert.False(t, w.Unpush())

	w.Push(ev(1))
	w.Push(ev(2))
	require.True(t, w.Unpush())
	assert.Equal(t, []interface{}{int64(1)}, ids(w))
	assert.False(t, w.Unpush(), "only the latest push can be reverted")

	for i := 2; i <= 4; i++ {
		w.Push(ev(i))
	}
	w.Push(ev(5))
	assert.Equal(t, []interface{}{int64(3), int64(4), int64(5)}, ids(w))
	require.True(t, w.Unpush())
	assert.Equal(t, []interface{}{int64(2), int64(3), int64(4)}, ids(w), "evicted event is restored")

	w.Push(ev(6))
	assert.Equal(t, []interface{}{int64(3), int64(4), int64(6)}, ids(w))
}
