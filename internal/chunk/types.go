// Package chunk defines the core abstractions of the persistence core: the
// immutable Chunk record, the Persistence backend contract every concrete
// store must satisfy, and the push-based Subscription protocol used by
// forward/backward/global reads.
package chunk

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
)

// IndexAuto requests that Append assign Index := Position instead of using
// a caller-supplied index.
const IndexAuto int64 = -1

// EmptyPartition is the reserved partition identifier that holds only
// filler chunks written by the conflict-recovery path. Application code
// must never address this partition directly.
const EmptyPartition = "::empty"

var (
	// ErrStreamDelete reports a Delete call that matched no records.
	ErrStreamDelete = errors.New("chunk: delete matched no records")

	// ErrInvalidOptions reports a backend constructed with an unusable
	// configuration.
	ErrInvalidOptions = errors.New("chunk: invalid backend options")
)

// DuplicateStreamIndexError reports a (partition, index) uniqueness
// violation during Append. The backend has already reserved the
// colliding call's Position with a filler before returning this error.
type DuplicateStreamIndexError struct {
	Partition string
	Index     int64
}

func (e *DuplicateStreamIndexError) Error() string {
	return "chunk: duplicate index " + e.Partition + "[" + strconv.FormatInt(e.Index, 10) + "]"
}

var _ error = (*DuplicateStreamIndexError)(nil)

// NewOperationToken generates a fresh, globally unique idempotency token
// for callers that omit an OperationId. UUIDv7 embeds a millisecond
// timestamp, so tokens are also roughly time-ordered.
func NewOperationToken() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Chunk is the atomic, immutable record of the log.
type Chunk struct {
	// Position is the 64-bit globally unique, strictly monotonic sequence
	// number assigned by the sequence allocator at write time.
	Position int64

	// PartitionId is the opaque identifier of the owning partition.
	// EmptyPartition is reserved for fillers.
	PartitionId string

	// Index is the per-partition ordinal. Unique within a non-empty
	// partition; need not be contiguous.
	Index int64

	// OperationId is the opaque idempotency key, unique per partition.
	OperationId string

	// Payload is the codec-serialized wire form. May be empty for filler
	// chunks or genuinely empty payloads.
	Payload []byte

	// Deleted marks a chunk as logically removed by a Delete call. The
	// Position slot remains filled (dense); deleted chunks are skipped by
	// reads other than direct backend internals.
	Deleted bool
}

// IsFiller reports whether this chunk is a conflict-recovery filler.
func (c Chunk) IsFiller() bool {
	return c.PartitionId == EmptyPartition
}

// WriteJob describes one write submitted to AppendBatch.
type WriteJob struct {
	PartitionId string
	Index       int64 // IndexAuto for auto-assignment
	Payload     []byte
	OperationId string // empty to auto-generate
}

// WriteOutcome is the per-job result of AppendBatch. Exactly one of the
// three states holds; Chunk is populated only when Succeeded.
type WriteOutcome struct {
	Succeeded       bool
	Chunk           Chunk
	DuplicatedIndex bool
	DuplicatedOp    bool
}

// Subscription is a push-consumer of a chunk range, driven by a
// Persistence backend's read operations. OnStart is invoked exactly once
// before any OnNext. OnNext is invoked in strict ascending or descending
// order depending on the operation; returning false tells the producer to
// stop and call Stopped with the last position/index actually delivered.
// Exactly one of Completed, Stopped, or OnError is the terminal call.
//
// The "position-or-index" argument is the Index for partition-scoped reads
// (ReadForward/ReadBackward) and the Position for global/operation-wide
// reads (ReadAll/ReadAllByOperationId).
type Subscription interface {
	OnStart(initialPosOrIndex int64)
	OnNext(c Chunk) (cont bool)
	Completed(lastSeen int64)
	Stopped(lastSeen int64)
	OnError(lastSeen int64, err error)
}

// Persistence is the single capability every concrete backend implements.
// All operations are cancellable via ctx and must check it between chunk
// deliveries and before each round-trip, per the concurrency contract.
type Persistence interface {
	ReadForward(ctx context.Context, partition string, fromIdxIncl int64, sub Subscription, toIdxIncl int64, limit int64) error
	ReadBackward(ctx context.Context, partition string, fromIdxIncl int64, sub Subscription, toIdxIncl int64, limit int64) error
	ReadSingleBackward(ctx context.Context, partition string, fromIdxIncl int64) (Chunk, bool, error)
	ReadAll(ctx context.Context, fromPosIncl int64, sub Subscription, limit int64) error
	ReadLastPosition(ctx context.Context) (int64, error)
	ReadByOperationId(ctx context.Context, partition, opId string) (Chunk, bool, error)
	ReadAllByOperationId(ctx context.Context, opId string, sub Subscription) error

	// Append persists a single chunk. Returns (chunk, false, nil) on
	// success, (zero-value, true, nil) iff the write was a duplicate on
	// (partition, opId) (idempotent no-op), or a *DuplicateStreamIndexError
	// iff (partition, index) collided.
	Append(ctx context.Context, partition string, index int64, payload []byte, opId string) (Chunk, bool, error)

	AppendBatch(ctx context.Context, jobs []WriteJob) ([]WriteOutcome, error)

	Delete(ctx context.Context, partition string, fromIdxIncl, toIdxIncl int64) error

	// SupportsFillers reports whether this backend reserves the global
	// Position on a partition-index conflict via an empty filler chunk.
	SupportsFillers() bool
}
