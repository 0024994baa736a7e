package depcache

import (
	"sync"

	"github.com/unkn0wn-root/depcache/codec"
)

// serializers pools Serializer instances per backend. An instance that
// returned an error is not put back: its internal state is not trusted.
type serializers[V any] struct {
	pool sync.Pool
}

func newSerializers[V any](f codec.Factory[V], c codec.Codec[V]) *serializers[V] {
	if f == nil {
		if c == nil {
			c = codec.JSON[V]{}
		}
		f = codec.FromCodec(c)
	}
	s := &serializers[V]{}
	s.pool.New = func() any { return f() }
	return s
}

// encode returns a payload owned by the caller.
func (s *serializers[V]) encode(v V) ([]byte, error) {
	ser := s.pool.Get().(codec.Serializer[V])
	b, err := ser.Serialize(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	s.pool.Put(ser)
	return out, nil
}

func (s *serializers[V]) decode(b []byte) (V, error) {
	ser := s.pool.Get().(codec.Serializer[V])
	v, err := ser.Deserialize(b)
	if err != nil {
		return v, err
	}
	s.pool.Put(ser)
	return v, nil
}
