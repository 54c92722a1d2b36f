package boltstore

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"nstore/internal/chunk"
)

// record is the on-disk envelope for one position slot, msgpack-encoded
// into the positions bucket. SerializerInfo optionally names the codec
// that produced the payload's wire bytes; the in-memory backend has no
// wire format and carries no such tag.
type record struct {
	Position       int64
	PartitionId    string
	Index          int64
	OperationId    string
	Payload        []byte
	SerializerInfo string
	Deleted        bool
}

func (s *Store) toChunk(r record) chunk.Chunk {
	return chunk.Chunk{
		Position:    r.Position,
		PartitionId: r.PartitionId,
		Index:       r.Index,
		OperationId: r.OperationId,
		Payload:     r.Payload,
		Deleted:     r.Deleted,
	}
}

func encodeRecord(r record) ([]byte, error) {
	wire, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("boltstore: encode record: %w", err)
	}
	return wire, nil
}

func decodeRecord(wire []byte) (record, error) {
	var r record
	if err := msgpack.Unmarshal(wire, &r); err != nil {
		return record{}, fmt.Errorf("boltstore: decode record: %w", err)
	}
	return r, nil
}

// positionKey encodes a Position as a big-endian 8-byte key so bbolt's
// byte-lexicographic ordering matches numeric ordering.
func positionKey(position int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(position))
	return buf
}

func decodePositionKey(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

// indexKey encodes a (partition, index) composite key: the partition name,
// a NUL separator (partitions never contain NUL), then the big-endian
// index, so a prefix scan over one partition yields ascending index order.
func indexKey(partition string, index int64) []byte {
	buf := make([]byte, len(partition)+1+8)
	copy(buf, partition)
	binary.BigEndian.PutUint64(buf[len(partition)+1:], uint64(index))
	return buf
}

func indexKeyPrefix(partition string) []byte {
	buf := make([]byte, len(partition)+1)
	copy(buf, partition)
	return buf
}

func decodeIndexFromKey(partition string, key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(partition)+1:]))
}

// opKey encodes a (partition, operationId) composite key.
func opKey(partition, opId string) []byte {
	buf := make([]byte, 0, len(partition)+1+len(opId))
	buf = append(buf, []byte(partition)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(opId)...)
	return buf
}
