package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// DeadLetterRecord is one errored event as written to the dead-letter file.
type DeadLetterRecord struct {
	Seq       uint64                 `json:"seq"`
	Source    string                 `json:"source"`
	Line      int64                  `json:"line"`
	Kind      string                 `json:"kind"`
	Code      string                 `json:"code"`
	Error     string                 `json:"error"`
	Raw       string                 `json:"raw,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DeadLetterWriter writes errored events as JSON lines so they can be
// inspected or replayed after a resilient run.
type DeadLetterWriter struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	encoder *json.Encoder
	count   int64
	closed  bool
}

// NewDeadLetterWriter writes records to w.
func NewDeadLetterWriter(w io.Writer) *DeadLetterWriter {
	return &DeadLetterWriter{w: w, encoder: json.NewEncoder(w)}
}

// OpenDeadLetterFile creates (or appends to) the file at path.
func OpenDeadLetterFile(path string) (*DeadLetterWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}
	dl := NewDeadLetterWriter(f)
	dl.closer = f
	return dl, nil
}

// Write appends one record built from rec and the event's fields.
func (d *DeadLetterWriter) Write(rec ErrorRecord, e fieldsSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dead letter writer is closed")
	}
	out := DeadLetterRecord{
		Seq:       rec.Seq,
		Source:    rec.Source,
		Line:      rec.Line,
		Kind:      rec.Kind,
		Code:      string(rec.Code),
		Error:     rec.Message,
		Raw:       rec.Raw,
		Timestamp: rec.Timestamp,
	}
	if e != nil && e.Len() > 0 {
		out.Fields = e.Fields()
	}
	if err := d.encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to write dead letter record: %w", err)
	}
	d.count++
	return nil
}

type fieldsSource interface {
	Len() int
	Fields() map[string]interface{}
}

// Count returns the number of records written.
func (d *DeadLetterWriter) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Close closes the underlying file, if the writer opened one.
func (d *DeadLetterWriter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
