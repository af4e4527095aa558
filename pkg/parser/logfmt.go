package parser

import (
	"strconv"
	"strings"

	"github.com/logflow/logstream/internal/model"
)

// LogfmtDecoder decodes key=value pairs separated by spaces. Values may be
// double quoted with backslash escapes. Bare integers and floats are typed;
// everything else stays a string.
type LogfmtDecoder struct{}

// Decode implements Decoder.
func (LogfmtDecoder) Decode(line []byte, e *model.Event) error {
	s := string(line)
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		key := s[start:i]
		if key == "" {
			return ErrEmptyKey
		}
		if i >= len(s) || s[i] != '=' {
			// A bare key is a flag.
			e.Set(key, true)
			continue
		}
		i++ // =

		if i < len(s) && s[i] == '"' {
			val, n, err := unquote(s[i:])
			if err != nil {
				return err
			}
			e.Set(key, val)
			i += n
			continue
		}

		start = i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		e.Set(key, typed(s[start:i]))
	}
}

// unquote reads a quoted value at the start of s and returns it with the
// number of bytes consumed.
func unquote(s string) (string, int, error) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return sb.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, ErrUnterminatedQuote
			}
			i++
			switch s[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '"':
				sb.WriteByte(s[i])
			default:
				sb.WriteByte('\\')
				sb.WriteByte(s[i])
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", 0, ErrUnterminatedQuote
}

func typed(v string) interface{} {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !strings.ContainsAny(v, "xXnN") {
		return f
	}
	return v
}
