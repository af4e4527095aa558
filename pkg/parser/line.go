package parser

import "github.com/logflow/logstream/internal/model"

// LineDecoder stores the whole line in the "line" field.
type LineDecoder struct{}

// Decode implements Decoder.
func (LineDecoder) Decode(line []byte, e *model.Event) error {
	e.Set("line", string(line))
	return nil
}
