// Package writer formats surviving events as logfmt or JSON lines.
package writer

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
)

// Format represents an output format.
type Format uint8

const (
	FormatLogfmt Format = iota
	FormatJSON
)

// String returns the format name.
func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "logfmt"
}

// ParseFormat parses a format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "logfmt":
		return FormatLogfmt, nil
	case "json", "jsonl":
		return FormatJSON, nil
	default:
		return FormatLogfmt, lserrors.Config("unknown output format %q", s)
	}
}

// Config holds writer configuration.
type Config struct {
	Format Format

	// Keys restricts output to these fields, in this order. Empty means
	// every field in event order.
	Keys []string

	// WithSpan appends span_status and span_id (and span bounds for
	// duration spans).
	WithSpan bool
}

// Writer writes one line per event. Script output written through Write
// shares the buffer, so it lands between the events it was printed for.
type Writer struct {
	mu  sync.Mutex
	cfg Config
	out *bufio.Writer
	enc encoder
	buf []byte
}

type encoder func(dst []byte, pairs []pair) ([]byte, error)

type pair struct {
	key   string
	value interface{}
}

// New creates a writer over w.
func New(w io.Writer, cfg Config) *Writer {
	wr := &Writer{cfg: cfg, out: bufio.NewWriterSize(w, 64*1024)}
	if cfg.Format == FormatJSON {
		wr.enc = appendJSON
	} else {
		wr.enc = appendLogfmt
	}
	return wr
}

// Emit writes e. It implements the engine's Sink.
func (w *Writer) Emit(e *model.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	w.buf, err = w.enc(w.buf[:0], w.pairs(e))
	if err != nil {
		return err
	}
	w.buf = append(w.buf, '\n')
	_, err = w.out.Write(w.buf)
	return err
}

// Write implements io.Writer for script print output.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Flush()
}

func (w *Writer) pairs(e *model.Event) []pair {
	keys := w.cfg.Keys
	if len(keys) == 0 {
		keys = e.Keys()
	}
	pairs := make([]pair, 0, len(keys)+4)
	for _, k := range keys {
		if v, ok := e.Get(k); ok {
			pairs = append(pairs, pair{k, v})
		}
	}
	if w.cfg.WithSpan && e.Span.Status != model.SpanNone {
		pairs = append(pairs, pair{"span_status", e.Span.Status.String()})
		if e.Span.ID != "" {
			pairs = append(pairs, pair{"span_id", e.Span.ID})
		}
		if e.Span.HasBounds() {
			pairs = append(pairs,
				pair{"span_start", e.Span.Start.Format(timeLayout)},
				pair{"span_end", e.Span.End.Format(timeLayout)})
		}
	}
	return pairs
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
