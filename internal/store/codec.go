package store

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Codec defines record serialization.
type Codec interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes into a value.
	Decode([]byte, any) error
}

// JSONCodec is the default Codec. It uses the standard library for encoding
// and sonic for decoding (records are read far more often than written).
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
