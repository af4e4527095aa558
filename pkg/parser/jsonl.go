package parser

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/logflow/logstream/internal/model"
)

// JSONLDecoder decodes one JSON object per line. Integers stay int64 and
// other numbers become float64. Keys keep the order of the line.
type JSONLDecoder struct{}

// Decode implements Decoder.
func (JSONLDecoder) Decode(line []byte, e *model.Event) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return ErrNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil { // {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return ErrNotObject
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		e.Set(key, fromJSON(raw))
	}
	if _, err := dec.Token(); err != nil { // }
		return err
	}
	return nil
}

func fromJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return string(t)
		}
		return f
	case map[string]interface{}:
		for k, vv := range t {
			t[k] = fromJSON(vv)
		}
		return t
	case []interface{}:
		for i, vv := range t {
			t[i] = fromJSON(vv)
		}
		return t
	default:
		return v
	}
}
