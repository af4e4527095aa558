// Package parser turns input lines into events. Each format is a Decoder
// that fills one event from one line; Reader drives a decoder over a
// stream, numbers lines and extracts the canonical timestamp.
package parser

import (
	"strings"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
)

// Decoder fills e from a single input line. The line has its trailing
// newline removed and is never empty.
type Decoder interface {
	Decode(line []byte, e *model.Event) error
}

// Format represents a supported input format.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSONL
	FormatLogfmt
	FormatLine
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatJSONL:
		return "jsonl"
	case FormatLogfmt:
		return "logfmt"
	case FormatLine:
		return "line"
	default:
		return "unknown"
	}
}

// ParseFormat parses a format string.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "jsonl", "json", "ndjson":
		return FormatJSONL
	case "logfmt":
		return FormatLogfmt
	case "line", "raw", "text":
		return FormatLine
	default:
		return FormatUnknown
	}
}

// NewDecoder creates a decoder for the given format.
func NewDecoder(format Format) (Decoder, error) {
	switch format {
	case FormatJSONL:
		return JSONLDecoder{}, nil
	case FormatLogfmt:
		return LogfmtDecoder{}, nil
	case FormatLine:
		return LineDecoder{}, nil
	default:
		return nil, lserrors.Config("unsupported input format %q", format)
	}
}
