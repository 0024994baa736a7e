package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a Codec that serializes values using vmihailenco/msgpack/v5.
// The zero value is ready to use.
//
// Use `msgpack:"fieldName"` tags if you need explicit control over field names.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// NewMsgpackSerializer returns a Factory of stateful msgpack serializers.
// Each instance owns an Encoder/Decoder pair and a scratch buffer, so it must
// not be shared between goroutines; backends pool them.
func NewMsgpackSerializer[V any]() Factory[V] {
	return func() Serializer[V] {
		s := &msgpackSerializer[V]{}
		s.enc = msgpack.NewEncoder(&s.buf)
		s.enc.UseCompactInts(true)
		s.dec = msgpack.NewDecoder(&s.rd)
		return s
	}
}

type msgpackSerializer[V any] struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	rd  bytes.Reader
	dec *msgpack.Decoder
}

func (s *msgpackSerializer[V]) Serialize(v V) ([]byte, error) {
	s.buf.Reset()
	if err := s.enc.Encode(v); err != nil {
		return nil, err
	}
	return s.buf.Bytes(), nil
}

func (s *msgpackSerializer[V]) Deserialize(b []byte) (V, error) {
	var v V
	s.rd.Reset(b)
	s.dec.Reset(&s.rd)
	err := s.dec.Decode(&v)
	return v, err
}
