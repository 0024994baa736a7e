// Package codec turns cached values into payload bytes and back.
//
// A Codec is stateless and shared. A Serializer may keep scratch state
// (buffers, encoders) between calls; backends pool Serializer instances and
// drop any instance that returned an error.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Serializer is a single-goroutine encoder/decoder. Serialize may return a
// slice that is only valid until the next call on the same instance.
type Serializer[V any] interface {
	Serialize(V) ([]byte, error)
	Deserialize([]byte) (V, error)
}

// Factory builds a fresh Serializer. It is called whenever the pool is empty.
type Factory[V any] func() Serializer[V]

// FromCodec adapts a stateless Codec into a Factory whose instances share it.
func FromCodec[V any](c Codec[V]) Factory[V] {
	s := codecSerializer[V]{c: c}
	return func() Serializer[V] { return s }
}

type codecSerializer[V any] struct{ c Codec[V] }

func (s codecSerializer[V]) Serialize(v V) ([]byte, error)   { return s.c.Encode(v) }
func (s codecSerializer[V]) Deserialize(b []byte) (V, error) { return s.c.Decode(b) }
