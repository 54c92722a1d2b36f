package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the wire format produced by Tagged: the raw payload plus a
// caller-supplied type tag, msgpack-encoded. This replaces the
// hand-rolled length-prefixed key/value framing used elsewhere in this
// lineage of code for a similar purpose (tagging opaque byte blobs with
// metadata) with the pack's own msgpack dependency.
type envelope struct {
	Tag  string
	Data []byte
}

// Tagged wraps payloads in a msgpack envelope carrying a fixed type tag.
// Useful when a store mixes several logical payload shapes and downstream
// consumers need to dispatch on tag before decoding Data themselves.
type Tagged struct {
	Tag string
}

func (t Tagged) Serialize(payload []byte) ([]byte, error) {
	wire, err := msgpack.Marshal(envelope{Tag: t.Tag, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("codec: tagged serialize: %w", err)
	}
	return wire, nil
}

func (t Tagged) Deserialize(wire []byte) ([]byte, error) {
	var env envelope
	if err := msgpack.Unmarshal(wire, &env); err != nil {
		return nil, fmt.Errorf("codec: tagged deserialize: %w", err)
	}
	return env.Data, nil
}

// TagOf extracts the tag from wire bytes produced by Tagged.Serialize,
// useful for dispatch. It decodes the whole envelope, Data included.
func TagOf(wire []byte) (string, error) {
	var env envelope
	if err := msgpack.Unmarshal(wire, &env); err != nil {
		return "", fmt.Errorf("codec: tag of: %w", err)
	}
	return env.Tag, nil
}

var _ Codec = Tagged{}
