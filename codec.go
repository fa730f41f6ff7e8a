package a2abus

import (
	"bytes"
	"encoding/json"
)

// Codec is the Strategy for encoding/decoding frames on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
// Numbers decode as json.Number so payloads round-trip without float rounding.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func (JSONCodec) Name() string {
	return "json"
}

// broadcastFrame is the second part of a broadcast message.
type broadcastFrame struct {
	Timestamp string         `json:"timestamp"`
	Topic     string         `json:"topic"`
	Message   map[string]any `json:"message"`
}
