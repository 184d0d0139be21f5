package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack uses vmihailenco/msgpack/v5. The zero value is ready to use.
// Struct fields follow `msgpack` tags, not `json` tags.
//
// It encodes only the value of a persisted record; version and fetch time
// travel in the frame header, so V should not repeat them. Fields without a
// tag are keyed by their Go name, so renaming one orphans copies saved
// before the rename: they decode with the field zeroed.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
