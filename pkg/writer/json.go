package writer

import (
	json "github.com/goccy/go-json"
)

func appendJSON(dst []byte, pairs []pair) ([]byte, error) {
	dst = append(dst, '{')
	for i, p := range pairs {
		if i > 0 {
			dst = append(dst, ',')
		}
		k, err := json.Marshal(p.key)
		if err != nil {
			return dst, err
		}
		dst = append(dst, k...)
		dst = append(dst, ':')
		v, err := json.Marshal(p.value)
		if err != nil {
			return dst, err
		}
		dst = append(dst, v...)
	}
	return append(dst, '}'), nil
}
