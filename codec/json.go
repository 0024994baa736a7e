package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is the default codec. The zero value is ready to use.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// NewJSONSerializer returns a Factory whose instances reuse one encode buffer.
func NewJSONSerializer[V any]() Factory[V] {
	return func() Serializer[V] {
		s := &jsonSerializer[V]{}
		s.enc = json.NewEncoder(&s.buf)
		return s
	}
}

type jsonSerializer[V any] struct {
	buf bytes.Buffer
	enc *json.Encoder
}

func (s *jsonSerializer[V]) Serialize(v V) ([]byte, error) {
	s.buf.Reset()
	if err := s.enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder terminates every value with '\n'.
	return bytes.TrimSuffix(s.buf.Bytes(), []byte{'\n'}), nil
}

func (s *jsonSerializer[V]) Deserialize(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
