package writer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/logstream/internal/model"
)

func sample() *model.Event {
	e := model.NewEvent()
	e.Set("level", "info")
	e.Set("msg", `said "hi" twice`)
	e.Set("status", 200)
	e.Set("took", 0.25)
	e.Set("ok", true)
	e.Set("ctx", map[string]interface{}{"user": "ana"})
	e.Set("none", nil)
	return e
}

func write(t *testing.T, cfg Config, events ...*model.Event) string {
	t.Helper()
	var buf bytes.Buffer
	w := New(&buf, cfg)
	for _, e := range events {
		require.NoError(t, w.Emit(e))
	}
	require.NoError(t, w.Flush())
	return buf.String()
}

func TestLogfmt(t *testing.T) {
	got := write(t, Config{}, sample())
	assert.Equal(t, `level=info msg="said \"hi\" twice" status=200 took=0.25 ok=true ctx="{\"user\":\"ana\"}" none=`+"\n", got)
}

func TestJSON(t *testing.T) {
	got := write(t, Config{Format: FormatJSON}, sample())
	assert.JSONEq(t, `{"level":"info","msg":"said \"hi\" twice","status":200,"took":0.25,"ok":true,"ctx":{"user":"ana"},"none":null}`, got)
	assert.Equal(t, byte('{'), got[0])
	assert.Contains(t, got, `{"level":"info","msg"`, "event key order is kept")
}

func TestKeys(t *testing.T) {
	got := write(t, Config{Keys: []string{"status", "missing", "level"}}, sample())
	assert.Equal(t, "status=200 level=info\n", got)
}

func TestWithSpan(t *testing.T) {
	e := model.NewEvent()
	e.Set("n", 1)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Span = model.SpanInfo{Status: model.SpanLate, ID: "2024-01-01T00:00:00Z/5m", Start: start, End: start.Add(5 * time.Minute)}

	plain := model.NewEvent()
	plain.Set("n", 2)

	got := write(t, Config{WithSpan: true}, e, plain)
	assert.Equal(t,
		"n=1 span_status=late span_id=2024-01-01T00:00:00Z/5m span_start=2024-01-01T00:00:00Z span_end=2024-01-01T00:05:00Z\n"+
			"n=2\n", got)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("csv")
	assert.Error(t, err)
}

func TestWriteSharesBuffer(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, Config{})
	e := model.NewEvent()
	e.Set("n", 1)
	require.NoError(t, w.Emit(e))
	_, err := w.Write([]byte("printed\n"))
	require.NoError(t, err)
	require.NoError(t, w.Emit(e))
	assert.Empty(t, buf.String(), "nothing written before flush")
	require.NoError(t, w.Flush())
	assert.Equal(t, "n=1\nprinted\nn=1\n", buf.String())
}
