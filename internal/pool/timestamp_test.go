package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/logstream/internal/model"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339 utc", "2024-03-01T12:30:45Z", want},
		{"rfc3339 offset", "2024-03-01T14:30:45+02:00", want},
		{"compact offset", "2024-03-01T14:30:45+0200", want},
		{"space separator", "2024-03-01 12:30:45", want},
		{"millis", "2024-03-01T12:30:45.250Z", want.Add(250 * time.Millisecond)},
		{"comma fraction", "2024-03-01 12:30:45,5", want.Add(500 * time.Millisecond)},
		{"common log", "01/Mar/2024:12:30:45 +0000", want},
		{"epoch seconds", "1709296245", want},
		{"epoch millis", "1709296245000", want},
		{"epoch fractional", "1709296245.5", want.Add(500 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, input := range []string{"", "  ", "yesterday", "2024-13-01T00:00:00Z", "12:30"} {
		_, err := ParseTimestamp(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestExtractTimestamp(t *testing.T) {
	e := model.NewEvent()
	e.Set("msg", "hello")
	e.Set("time", "not a time")
	e.Set("@t", int64(1709296245))

	require.True(t, ExtractTimestamp(e))
	ts, ok := e.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(1709296245), ts.Unix())

	missing := model.NewEvent()
	missing.Set("msg", "no time here")
	assert.False(t, ExtractTimestamp(missing))
}

func TestBatchPool(t *testing.T) {
	p := NewBatchPool(4)
	assert.Equal(t, 4, p.Capacity())

	b := p.Get()
	assert.Equal(t, 0, b.Len())
	b.Seq = 7
	b.Events = append(b.Events, model.NewEvent(), model.NewEvent())
	p.Put(b)

	again := p.Get()
	assert.Equal(t, 0, again.Len())
	assert.Equal(t, uint64(0), again.Seq)
}
