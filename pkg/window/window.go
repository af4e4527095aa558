// Package window implements the sliding window: a bounded history of the
// most recent events that survived the stage chain, oldest first.
package window

import (
	"github.com/logflow/logstream/internal/model"
)

// Window is a fixed-capacity ring of events. It is owned by the sequential
// executor and is not safe for concurrent use.
type Window struct {
	buf   []*model.Event
	head  int // index of the oldest event
	count int

	// undo state of the latest Push
	pushed  bool
	evicted *model.Event
}

// New creates a window holding at most size events. A size below one
// yields a disabled window that retains nothing.
func New(size int) *Window {
	if size < 0 {
		size = 0
	}
	return &Window{buf: make([]*model.Event, size)}
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Len returns the number of retained events.
func (w *Window) Len() int { return w.count }

// Push appends e, evicting the oldest event once the window is full.
func (w *Window) Push(e *model.Event) {
	if len(w.buf) == 0 {
		return
	}
	w.pushed = true
	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = e
		w.count++
		w.evicted = nil
		return
	}
	w.evicted = w.buf[w.head]
	w.buf[w.head] = e
	w.head = (w.head + 1) % len(w.buf)
}

// Unpush reverts the latest Push, restoring the event it evicted. It
// reports false when there is no push to revert.
func (w *Window) Unpush() bool {
	if !w.pushed {
		return false
	}
	w.pushed = false
	n := len(w.buf)
	if w.evicted != nil {
		w.head = (w.head - 1 + n) % n
		w.buf[w.head] = w.evicted
		w.evicted = nil
		return true
	}
	w.count--
	w.buf[(w.head+w.count)%n] = nil
	return true
}

// At returns the i-th retained event, 0 being the oldest.
func (w *Window) At(i int) *model.Event {
	if i < 0 || i >= w.count {
		return nil
	}
	return w.buf[(w.head+i)%len(w.buf)]
}

// Events returns the retained events oldest to newest.
func (w *Window) Events() []*model.Event {
	out := make([]*model.Event, w.count)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Values returns field values of the retained events oldest to newest,
// skipping events that lack the field.
func (w *Window) Values(field string) []interface{} {
	out := make([]interface{}, 0, w.count)
	for i := 0; i < w.count; i++ {
		if v, ok := w.At(i).Get(field); ok {
			out = append(out, v)
		}
	}
	return out
}

// Numbers is like Values but keeps only numeric values, as float64.
// Numeric strings are converted.
func (w *Window) Numbers(field string) []float64 {
	out := make([]float64, 0, w.count)
	for _, v := range w.Values(field) {
		if f, ok := model.ToFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.buf {
		w.buf[i] = nil
	}
	w.head, w.count = 0, 0
	w.pushed, w.evicted = false, nil
}
