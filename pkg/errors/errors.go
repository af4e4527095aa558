// Package errors provides structured, coded errors for logstream.
// Every error raised by the engine carries a Code so that run summaries can
// bucket failures by kind without string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Input errors (1xx)
	CodeParse     Code = "E101"
	CodeTimestamp Code = "E102"

	// Stage errors (2xx)
	CodeStageLevel  Code = "E201"
	CodeStageFilter Code = "E202"
	CodeStageExec   Code = "E203"
	CodeSpanHook    Code = "E204"

	// Configuration errors (3xx)
	CodeConfig         Code = "E301"
	CodeMetricConflict Code = "E302"

	// Output errors (4xx)
	CodeSink   Code = "E401"
	CodeExport Code = "E402"

	// System errors (5xx)
	CodeCanceled Code = "E501"
	CodePanic    Code = "E502"

	CodeUnknown Code = "E999"
)

// Kind buckets used by run summaries.
const (
	KindParse     = "parse"
	KindFilter    = "filter"
	KindExec      = "exec"
	KindTimestamp = "timestamp"
	KindConfig    = "config"
	KindOther     = "other"
)

// Error is the base error type for all engine errors.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context []Field
	Stack   []Frame
}

// Field is one key/value pair of error context. Order of insertion is kept
// so that messages are stable across runs.
type Field struct {
	Key   string
	Value interface{}
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		for i, f := range e.Context {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", f.Key, f.Value))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds a context pair to the error. A repeated key replaces the
// earlier value.
func (e *Error) WithContext(key string, value interface{}) *Error {
	for i := range e.Context {
		if e.Context[i].Key == key {
			e.Context[i].Value = value
			return e
		}
	}
	e.Context = append(e.Context, Field{Key: key, Value: value})
	return e
}

// Get returns the context value stored under key.
func (e *Error) Get(key string) (interface{}, bool) {
	for _, f := range e.Context {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
		Stack:   captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.Stack {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// Config creates a configuration error. Configuration errors are always fatal
// and are raised before any event is processed.
func Config(format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeConfig,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// ParseError creates an error for an input line that could not become an event.
func ParseError(source string, line int64, err error) *Error {
	return Wrap(err, CodeParse, "parse error").
		WithContext("source", source).
		WithContext("line", line)
}

// MissingTimestamp creates a timestamp error for span modes that need one.
func MissingTimestamp(mode string) *Error {
	return New(CodeTimestamp, "event missing required timestamp").
		WithContext("span_mode", mode)
}

// Canceled creates a cancellation error.
func Canceled(operation string) *Error {
	return New(CodeCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Kind maps an error onto the summary bucket it is counted under.
func Kind(err error) string {
	switch GetCode(err) {
	case CodeParse:
		return KindParse
	case CodeStageLevel, CodeStageFilter:
		return KindFilter
	case CodeStageExec, CodeSpanHook, CodePanic:
		return KindExec
	case CodeTimestamp:
		return KindTimestamp
	case CodeConfig, CodeMetricConflict:
		return KindConfig
	default:
		return KindOther
	}
}

// IsFatal reports whether an error must abort a run regardless of policy.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfig, CodeSink:
		return true
	default:
		return false
	}
}

// As is errors.As re-exported so callers need a single import.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is errors.Is re-exported so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
