// Package model defines core data structures for logstream.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampFields are checked in order when extracting an event's canonical
// timestamp.
var TimestampFields = []string{
	"ts", "_ts", "timestamp", "at", "time", "@timestamp", "log_timestamp",
	"event_time", "datetime", "date_time", "created_at", "logged_at", "_t", "@t", "t",
}

// LevelFields are checked in order when reading an event's level.
var LevelFields = []string{
	"level", "lvl", "severity", "log_level", "loglevel", "priority", "sev", "@level", "@l",
}

// Event is one structured record flowing through the pipeline.
//
// Fields hold dynamically typed values: string, int64, float64, bool, nil,
// map[string]interface{} and []interface{}. Metadata (source, line, parsed
// timestamp, span membership) is never visible as a field.
type Event struct {
	fields map[string]interface{}
	keys   []string

	// Source is the file name the event was read from ("-" for stdin).
	Source string

	// Line is the 1-based input line number.
	Line int64

	// Seq is the 1-based position of the event in the input stream across
	// all sources.
	Seq uint64

	// Raw is the original input line.
	Raw string

	// Err is set by the parser collaborator when the line could not be
	// materialised. Such events are counted and never reach a stage.
	Err error

	// Span is set by the span aggregator.
	Span SpanInfo

	ts    time.Time
	hasTS bool
}

// NewEvent creates an empty event.
func NewEvent() *Event {
	return &Event{fields: make(map[string]interface{})}
}

// NewEventFromMap creates an event from a map. Keys are ordered
// lexicographically since Go maps carry no order.
func NewEventFromMap(m map[string]interface{}) *Event {
	e := &Event{fields: make(map[string]interface{}, len(m))}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Set(k, m[k])
	}
	return e
}

// Get returns a field value.
func (e *Event) Get(key string) (interface{}, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// Set sets a field, keeping the position of existing keys.
func (e *Event) Set(key string, value interface{}) {
	if e.fields == nil {
		e.fields = make(map[string]interface{})
	}
	if _, exists := e.fields[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.fields[key] = normalize(value)
}

// Delete removes a field.
func (e *Event) Delete(key string) {
	if _, exists := e.fields[key]; !exists {
		return
	}
	delete(e.fields, key)
	for i, k := range e.keys {
		if k == key {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (e *Event) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// Len returns the number of fields.
func (e *Event) Len() int {
	return len(e.keys)
}

// Fields returns a deep copy of the fields as a plain map.
func (e *Event) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(e.fields))
	for k, v := range e.fields {
		out[k] = deepCopy(v)
	}
	return out
}

// Timestamp returns the canonical timestamp, if one was parsed.
func (e *Event) Timestamp() (time.Time, bool) {
	return e.ts, e.hasTS
}

// SetTimestamp sets the canonical timestamp.
func (e *Event) SetTimestamp(t time.Time) {
	e.ts = t.UTC()
	e.hasTS = true
}

// ClearTimestamp removes the canonical timestamp.
func (e *Event) ClearTimestamp() {
	e.ts = time.Time{}
	e.hasTS = false
}

// Level returns the event's level field, lowercased.
func (e *Event) Level() (string, bool) {
	for _, name := range LevelFields {
		if v, ok := e.fields[name]; ok && v != nil {
			return strings.ToLower(fmt.Sprint(v)), true
		}
	}
	return "", false
}

// Clone returns a deep copy. Events are values: a stage mutating the clone
// never affects the original.
func (e *Event) Clone() *Event {
	c := &Event{
		fields: make(map[string]interface{}, len(e.fields)),
		keys:   make([]string, len(e.keys)),
		Source: e.Source,
		Line:   e.Line,
		Seq:    e.Seq,
		Raw:    e.Raw,
		Err:    e.Err,
		Span:   e.Span,
		ts:     e.ts,
		hasTS:  e.hasTS,
	}
	copy(c.keys, e.keys)
	for k, v := range e.fields {
		c.fields[k] = deepCopy(v)
	}
	return c
}

// Position formats the event's input position as file:line.
func (e *Event) Position() string {
	src := e.Source
	if src == "" {
		src = "-"
	}
	return fmt.Sprintf("%s:%d", src, e.Line)
}

// normalize folds Go's numeric zoo into int64/float64 so that comparisons and
// aggregates see a single representation per kind.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, vv := range n {
			out[k] = normalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, vv := range n {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
