package memory

import (
	"context"
	"fmt"

	"nstore/internal/chunk"
	"nstore/internal/chunk/filler"
)

// Append allocates a Position unconditionally, attempts to claim
// (partition, index) and (partition, operationId) atomically, and on any
// collision persists a filler at the already-consumed Position instead of
// leaking it from the global sequence.
func (m *Manager) Append(ctx context.Context, partition string, index int64, payload []byte, opId string) (chunk.Chunk, bool, error) {
	if partition == chunk.EmptyPartition {
		return chunk.Chunk{}, false, fmt.Errorf("chunk: %w: cannot write to reserved empty partition", chunk.ErrInvalidOptions)
	}
	if opId == "" {
		opId = chunk.NewOperationToken()
	}

	wire, err := m.codec.Serialize(payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("chunk: append serialize: %w", err)
	}
	fillerWire, err := m.codec.Serialize(nil)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("chunk: append serialize filler: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return chunk.Chunk{}, false, err
		}
		if err := m.sim.Wait(ctx); err != nil {
			return chunk.Chunk{}, false, err
		}

		m.mu.Lock()

		position, err := m.alloc.NextIDs(1)
		if err != nil {
			m.mu.Unlock()
			return chunk.Chunk{}, false, fmt.Errorf("chunk: allocate position: %w", err)
		}

		// A Local allocator is always in lockstep with m.chunks since both
		// are advanced under mu; a foreign/stale allocator can hand back a
		// Position already occupied (by a real chunk or a filler). Reload
		// the allocator from the store's high-water mark, then retry
		// against a freshly allocated Position.
		if int(position-1) < len(m.chunks) && m.chunks[position-1].Position != 0 {
			if r, ok := m.alloc.(interface{ Reset(int64) }); ok {
				r.Reset(int64(len(m.chunks)))
			}
			m.mu.Unlock()
			if !m.retry.ShouldRetry(attempt) {
				return chunk.Chunk{}, false, fmt.Errorf("chunk: append exceeded position-collision retries at position %d", position)
			}
			continue
		}

		resolvedIndex := index
		if resolvedIndex == chunk.IndexAuto {
			resolvedIndex = position
		}

		part := m.partitionLocked(partition)

		if _, ok := part.posByOp[opId]; ok {
			m.installLocked(filler.New(position, fillerWire))
			m.mu.Unlock()
			return chunk.Chunk{}, true, nil
		}

		if _, ok := part.posByIdx[resolvedIndex]; ok {
			m.installLocked(filler.New(position, fillerWire))
			m.mu.Unlock()
			return chunk.Chunk{}, false, &chunk.DuplicateStreamIndexError{Partition: partition, Index: resolvedIndex}
		}

		c := chunk.Chunk{
			Position:    position,
			PartitionId: partition,
			Index:       resolvedIndex,
			OperationId: opId,
			Payload:     wire,
		}
		part.insert(resolvedIndex, opId, position)
		m.installLocked(c)
		m.mu.Unlock()
		return c, false, nil
	}
}

// AppendBatch detects duplicates against both the store and earlier jobs
// in the same batch before any Position is allocated, so a row rejected
// there consumes no Position and — unlike the single-write Append path —
// needs no filler. The exception is an index collision that only shows up
// once an auto-assigned index is known: that row has already consumed its
// Position, so it gets a filler and is reported as DuplicatedIndex.
// Exactly one allocator call reserves a contiguous Position range sized
// to the accepted jobs.
func (m *Manager) AppendBatch(ctx context.Context, jobs []chunk.WriteJob) ([]chunk.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.sim.Wait(ctx); err != nil {
		return nil, err
	}

	fillerWire, err := m.codec.Serialize(nil)
	if err != nil {
		return nil, fmt.Errorf("chunk: append batch serialize filler: %w", err)
	}

	outcomes := make([]chunk.WriteOutcome, len(jobs))

	type accepted struct {
		jobIndex  int
		partition string
		index     int64
		opId      string
		wire      []byte
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	claimedIdx := make(map[string]map[int64]bool)
	claimedOp := make(map[string]map[string]bool)
	acceptedJobs := make([]accepted, 0, len(jobs))

	for i, job := range jobs {
		opId := job.OperationId
		if opId == "" {
			opId = chunk.NewOperationToken()
		}
		part := m.partitionLocked(job.PartitionId)

		_, storeOpDup := part.posByOp[opId]
		if storeOpDup || claimedOp[job.PartitionId][opId] {
			outcomes[i] = chunk.WriteOutcome{DuplicatedOp: true}
			continue
		}

		resolvedIndex := job.Index
		if resolvedIndex != chunk.IndexAuto {
			_, storeIdxDup := part.posByIdx[resolvedIndex]
			if storeIdxDup || claimedIdx[job.PartitionId][resolvedIndex] {
				outcomes[i] = chunk.WriteOutcome{DuplicatedIndex: true}
				continue
			}
		}

		wire, err := m.codec.Serialize(job.Payload)
		if err != nil {
			return outcomes, fmt.Errorf("chunk: append batch serialize job %d: %w", i, err)
		}

		if resolvedIndex != chunk.IndexAuto {
			if claimedIdx[job.PartitionId] == nil {
				claimedIdx[job.PartitionId] = make(map[int64]bool)
			}
			claimedIdx[job.PartitionId][resolvedIndex] = true
		}
		if claimedOp[job.PartitionId] == nil {
			claimedOp[job.PartitionId] = make(map[string]bool)
		}
		claimedOp[job.PartitionId][opId] = true

		acceptedJobs = append(acceptedJobs, accepted{jobIndex: i, partition: job.PartitionId, index: resolvedIndex, opId: opId, wire: wire})
	}

	if len(acceptedJobs) == 0 {
		return outcomes, nil
	}

	last, err := m.alloc.NextIDs(len(acceptedJobs))
	if err != nil {
		return outcomes, fmt.Errorf("chunk: allocate batch positions: %w", err)
	}
	first := last - int64(len(acceptedJobs)) + 1

	for i, a := range acceptedJobs {
		position := first + int64(i)
		idx := a.index
		if idx == chunk.IndexAuto {
			idx = position
		}
		part := m.partitionLocked(a.partition)
		if _, dup := part.posByIdx[idx]; dup {
			// An auto-assigned index collided with a pre-existing explicit
			// index, or vice versa within this window. Unlike a pre-detected
			// duplicate, this Position has already been allocated, so it
			// still needs a filler to stay dense.
			m.installLocked(filler.New(position, fillerWire))
			outcomes[a.jobIndex] = chunk.WriteOutcome{DuplicatedIndex: true}
			continue
		}
		c := chunk.Chunk{
			Position:    position,
			PartitionId: a.partition,
			Index:       idx,
			OperationId: a.opId,
			Payload:     a.wire,
		}
		part.insert(idx, a.opId, position)
		m.installLocked(c)
		outcomes[a.jobIndex] = chunk.WriteOutcome{Succeeded: true, Chunk: c}
	}

	return outcomes, nil
}
