package tui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/logstream/pkg/metrics"
	"github.com/logflow/logstream/pkg/pipeline"
)

func TestPrintSummary(t *testing.T) {
	started := time.Now()
	sum := &pipeline.Summary{
		Mode:          pipeline.ModeSequential,
		Read:          10,
		Accepted:      3,
		Errored:       1,
		Aborted:       true,
		AbortErr:      errors.New("bad event"),
		AbortPosition: "app.log:4",
		Errors:        pipeline.ErrorStats{Count: 1, ByKind: map[string]int64{"exec": 1}},
		Fallbacks:     []string{"span aggregation requires sequential mode; running sequentially"},
		Started:       started,
		Finished:      started.Add(2 * time.Second),
	}

	var buf bytes.Buffer
	PrintSummary(&buf, sum)
	out := buf.String()

	assert.Contains(t, out, "RUN ABORTED")
	assert.Contains(t, out, "exec=1")
	assert.Contains(t, out, "bad event at app.log:4")
	assert.Contains(t, out, "running sequentially")
	assert.Contains(t, out, "2.0s")
}

func TestPrintMetrics(t *testing.T) {
	store := metrics.NewStore()
	require.NoError(t, store.Count("requests"))
	require.NoError(t, store.Bucket("status", "200"))
	require.NoError(t, store.Bucket("status", "500"))

	var buf bytes.Buffer
	PrintMetrics(&buf, &pipeline.Summary{Metrics: store.Snapshot()})
	assert.Contains(t, buf.String(), "requests")
	assert.Contains(t, buf.String(), "{200:1 500:1}")
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1.5K", formatNumber(1500))
	assert.Equal(t, "2.0M", formatNumber(2000000))
}

func TestProgressCounts(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "processing")
	p.Events(pipeline.OutcomeAccepted, 5)
	p.Events(pipeline.OutcomeDropped, 0)
	assert.NoError(t, p.Finish())
}
