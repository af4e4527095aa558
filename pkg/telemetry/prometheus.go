package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logflow/logstream/pkg/pipeline"
	"github.com/logflow/logstream/pkg/span"
)

// Metrics is a pipeline.Observer backed by Prometheus collectors. Label
// sets are fixed (outcome, error kind), so cardinality stays bounded.
type Metrics struct {
	events        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	batches       prometheus.Counter
	batchDuration prometheus.Histogram
	spansClosed   prometheus.Counter
	spanSize      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstream_events_total",
			Help: "Input events by outcome (accepted, dropped, errored)",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logstream_errors_total",
			Help: "Recorded errors by kind",
		}, []string{"kind"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logstream_batches_total",
			Help: "Batches processed by the parallel executor",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logstream_batch_duration_seconds",
			Help:    "Time a worker spent on one batch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		spansClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logstream_spans_closed_total",
			Help: "Aggregation spans closed",
		}),
		spanSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logstream_span_events",
			Help:    "Events accepted per closed span",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.errors, m.batches, m.batchDuration, m.spansClosed, m.spanSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Events implements pipeline.Observer.
func (m *Metrics) Events(o pipeline.Outcome, n int) {
	if n > 0 {
		m.events.WithLabelValues(string(o)).Add(float64(n))
	}
}

// Batch implements pipeline.Observer.
func (m *Metrics) Batch(_ int, d time.Duration) {
	m.batches.Inc()
	m.batchDuration.Observe(d.Seconds())
}

// SpanClosed implements pipeline.Observer.
func (m *Metrics) SpanClosed(v *span.View) {
	m.spansClosed.Inc()
	m.spanSize.Observe(float64(v.Size))
}

// Error implements pipeline.Observer.
func (m *Metrics) Error(rec pipeline.ErrorRecord) {
	m.errors.WithLabelValues(rec.Kind).Inc()
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts a /metrics endpoint on addr for the collectors in g. It
// returns once the listener is bound.
func Serve(addr string, g prometheus.Gatherer) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
