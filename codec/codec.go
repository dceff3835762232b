// Package codec is the deterministic msgpack serialization shared by the
// append log and the index store.
package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with map keys sorted, so equal values always produce
// equal bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes into generic values: maps become map[string]any,
// integers int64 or uint64, floats float64.
func Unmarshal(data []byte) (any, error) {
	var v any
	err := UnmarshalInto(data, &v)
	return v, err
}

func UnmarshalInto(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
