package writer

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

func appendLogfmt(dst []byte, pairs []pair) ([]byte, error) {
	for i, p := range pairs {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = append(dst, p.key...)
		dst = append(dst, '=')
		var err error
		if dst, err = appendLogfmtValue(dst, p.value); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func appendLogfmtValue(dst []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return dst, nil
	case string:
		return appendLogfmtString(dst, t), nil
	case bool:
		return strconv.AppendBool(dst, t), nil
	case int64:
		return strconv.AppendInt(dst, t, 10), nil
	case float64:
		return strconv.AppendFloat(dst, t, 'g', -1, 64), nil
	default:
		// Nested values are written as quoted JSON.
		b, err := json.Marshal(t)
		if err != nil {
			return dst, err
		}
		return appendLogfmtString(dst, string(b)), nil
	}
}

func appendLogfmtString(dst []byte, s string) []byte {
	if !needsQuoting(s) {
		return append(dst, s...)
	}
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\r\"=\\")
}
