package parser

import "errors"

var (
	// ErrNotObject is returned when a JSON line is not an object.
	ErrNotObject = errors.New("parser: line is not a JSON object")

	// ErrEmptyKey is returned for a logfmt pair without a key.
	ErrEmptyKey = errors.New("parser: empty key")

	// ErrUnterminatedQuote is returned for a logfmt value missing its closing quote.
	ErrUnterminatedQuote = errors.New("parser: unterminated quoted value")
)
