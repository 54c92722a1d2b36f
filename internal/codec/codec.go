// Package codec provides the pluggable payload codec. A Codec exposes
// two pure, stateless, concurrency-safe operations invoked on every
// write (including filler writes) and every read before delivery to a
// subscription.
package codec

// Codec serializes and deserializes chunk payloads. Implementations must
// be safe for concurrent invocation and must not retain references to the
// byte slices passed in or returned.
type Codec interface {
	Serialize(payload []byte) ([]byte, error)
	Deserialize(wire []byte) ([]byte, error)
}

// Identity is the default codec: it preserves the payload unchanged.
type Identity struct{}

func (Identity) Serialize(payload []byte) ([]byte, error) {
	return payload, nil
}

func (Identity) Deserialize(wire []byte) ([]byte, error) {
	return wire, nil
}

var _ Codec = Identity{}
