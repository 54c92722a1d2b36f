// Package stream provides a thin, value-typed per-partition adapter over
// a chunk.Persistence backend. All real work happens in the backend;
// Stream and Factory hold no state of their own beyond the (backend,
// partitionId) pair and cache nothing.
package stream

import (
	"context"
	"fmt"
	"math"

	"nstore/internal/chunk"
)

// Stream binds a PartitionId to a backend and exposes the operations a
// higher-level aggregate/repository layer needs without touching the
// backend directly.
type Stream struct {
	backend     chunk.Persistence
	partitionId string
}

// Factory constructs Streams over one backend. It caches nothing; callers
// may construct as many Streams for the same partition as they like.
type Factory struct {
	backend chunk.Persistence
}

// NewFactory binds a Factory to backend.
func NewFactory(backend chunk.Persistence) Factory {
	return Factory{backend: backend}
}

// Open returns a value-typed Stream handle for partitionId. Opening a
// Stream performs no I/O.
func (f Factory) Open(partitionId string) Stream {
	return Stream{backend: f.backend, partitionId: partitionId}
}

// PartitionId returns the partition this Stream is bound to.
func (s Stream) PartitionId() string { return s.partitionId }

// IsWritable reports whether this partition may be appended to. Only the
// reserved filler partition is not writable.
func (s Stream) IsWritable() bool {
	return s.partitionId != chunk.EmptyPartition
}

// Append appends payload to this partition at an auto-assigned index.
func (s Stream) Append(ctx context.Context, payload []byte, opId string) (chunk.Chunk, bool, error) {
	if !s.IsWritable() {
		return chunk.Chunk{}, false, fmt.Errorf("stream: %w: partition %q is not writable", chunk.ErrInvalidOptions, s.partitionId)
	}
	return s.backend.Append(ctx, s.partitionId, chunk.IndexAuto, payload, opId)
}

// AppendAt appends payload at a caller-chosen index.
func (s Stream) AppendAt(ctx context.Context, index int64, payload []byte, opId string) (chunk.Chunk, bool, error) {
	if !s.IsWritable() {
		return chunk.Chunk{}, false, fmt.Errorf("stream: %w: partition %q is not writable", chunk.ErrInvalidOptions, s.partitionId)
	}
	return s.backend.Append(ctx, s.partitionId, index, payload, opId)
}

// Read drives sub over this partition's chunks in ascending Index order
// from fromIdx through toIdx inclusive (toIdx < 0 means unbounded).
func (s Stream) Read(ctx context.Context, sub chunk.Subscription, fromIdx, toIdx int64) error {
	return s.backend.ReadForward(ctx, s.partitionId, fromIdx, sub, toIdx, 0)
}

// ReadBackward drives sub over this partition's chunks in descending
// Index order from fromIdx down through toIdx inclusive.
func (s Stream) ReadBackward(ctx context.Context, sub chunk.Subscription, fromIdx, toIdx int64) error {
	return s.backend.ReadBackward(ctx, s.partitionId, fromIdx, sub, toIdx, 0)
}

// Last returns the chunk with the largest Index <= fromIdx, or ok=false.
func (s Stream) Last(ctx context.Context, fromIdx int64) (chunk.Chunk, bool, error) {
	return s.backend.ReadSingleBackward(ctx, s.partitionId, fromIdx)
}

// DeleteRange removes/marks every chunk in [fromIdx, toIdx] on this
// partition.
func (s Stream) DeleteRange(ctx context.Context, fromIdx, toIdx int64) error {
	return s.backend.Delete(ctx, s.partitionId, fromIdx, toIdx)
}

// Delete removes/marks every chunk on this partition.
func (s Stream) Delete(ctx context.Context) error {
	return s.backend.Delete(ctx, s.partitionId, 0, math.MaxInt64)
}
