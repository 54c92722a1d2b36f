package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdEncoder/zstdDecoder are package-level and concurrency-safe per the
// klauspost/compress/zstd documentation, avoiding per-call setup cost.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("codec: init zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("codec: init zstd decoder: " + err.Error())
	}
}

// Compressed decorates an inner Codec, zstd-compressing its wire output.
// Unlike the seekable, frame-chunked zstd format used for whole log files
// elsewhere in this lineage of code, a chunk payload is a single value, so
// Compressed uses a single-shot EncodeAll/DecodeAll round trip.
type Compressed struct {
	Inner Codec
}

func (c Compressed) Serialize(payload []byte) ([]byte, error) {
	inner, err := c.Inner.Serialize(payload)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(inner, nil), nil
}

func (c Compressed) Deserialize(wire []byte) ([]byte, error) {
	inner, err := zstdDecoder.DecodeAll(wire, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: compressed deserialize: %w", err)
	}
	return c.Inner.Deserialize(inner)
}

var _ Codec = Compressed{}
