// Package filler builds the empty-chunk stand-in that backends persist
// when a write fails on a partition-level uniqueness
// constraint. The allocated Position has already been consumed from the
// global sequence at that point; without a filler it would leak, and a
// follower polling by Position could wait forever for a gap that will
// never close.
package filler

import (
	"strconv"

	"nstore/internal/chunk"
)

// New builds a filler chunk reserving position. Fillers carry no real
// payload; wire is the codec's serialized form of a nil payload, which
// callers must supply since filler has no codec dependency of its own.
func New(position int64, wire []byte) chunk.Chunk {
	return chunk.Chunk{
		Position:    position,
		PartitionId: chunk.EmptyPartition,
		Index:       position,
		OperationId: "_" + strconv.FormatInt(position, 10),
		Payload:     wire,
	}
}
