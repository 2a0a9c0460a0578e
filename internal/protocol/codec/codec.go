// Package codec is the boundary that turns command payloads into bytes and
// back. The session layer treats payloads as opaque; routing fields travel
// beside the payload and are read with session.PeekRouting.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrEmptyPayload = errors.New("codec: empty payload")

// Codec encodes one command value to a writer and decodes it from a reader.
// Decode(Encode(v)) must reproduce v.
type Codec interface {
	Name() string
	Encode(w io.Writer, v any) error
	Decode(r io.Reader, v any) error
}

// JSON is the default payload codec.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (JSON) Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyPayload
		}
		return fmt.Errorf("codec: json decode: %w", err)
	}
	return nil
}

// Marshal encodes v into a fresh byte slice.
func Marshal(c Codec, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes payload into v.
func Unmarshal(c Codec, payload []byte, v any) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	return c.Decode(bytes.NewReader(payload), v)
}
