package boltstore

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"nstore/internal/chunk"
	"nstore/internal/chunk/filler"
)

// Append allocates a Position, then claims (partition, index) and
// (partition, operationId) inside one bbolt write transaction so the
// uniqueness checks and the insert are atomic together. On a collision the
// same transaction persists a filler at the already-consumed Position.
//
// writeMu serializes Append/AppendBatch within the process because the
// allocator round-trip happens outside the insert transaction (a nested
// write transaction on the same bbolt file would self-deadlock); holding
// it keeps allocation order and insert order in lockstep.
func (s *Store) Append(ctx context.Context, partition string, index int64, payload []byte, opId string) (chunk.Chunk, bool, error) {
	if partition == chunk.EmptyPartition {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: %w: cannot write to reserved empty partition", chunk.ErrInvalidOptions)
	}
	if opId == "" {
		opId = chunk.NewOperationToken()
	}

	wire, err := s.codec.Serialize(payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: append serialize: %w", err)
	}
	fillerWire, err := s.codec.Serialize(nil)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: append serialize filler: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return chunk.Chunk{}, false, err
		}

		position, err := s.alloc.NextIDs(1)
		if err != nil {
			return chunk.Chunk{}, false, fmt.Errorf("boltstore: allocate position: %w", err)
		}

		var result chunk.Chunk
		var duplicateOp, collided bool
		var dupErr error

		txErr := s.db.Update(func(tx *bolt.Tx) error {
			positions := tx.Bucket(bucketPositions)
			byIndex := tx.Bucket(bucketByIndex)
			byOp := tx.Bucket(bucketByOp)

			if positions.Get(positionKey(position)) != nil {
				collided = true
				return nil
			}

			resolvedIndex := index
			if resolvedIndex == chunk.IndexAuto {
				resolvedIndex = position
			}

			if byOp.Get(opKey(partition, opId)) != nil {
				duplicateOp = true
				return installFiller(positions, position, fillerWire)
			}
			if byIndex.Get(indexKey(partition, resolvedIndex)) != nil {
				dupErr = &chunk.DuplicateStreamIndexError{Partition: partition, Index: resolvedIndex}
				return installFiller(positions, position, fillerWire)
			}

			rec := record{
				Position:       position,
				PartitionId:    partition,
				Index:          resolvedIndex,
				OperationId:    opId,
				Payload:        wire,
				SerializerInfo: s.cfg.SerializerInfo,
			}
			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := positions.Put(positionKey(position), encoded); err != nil {
				return err
			}
			if err := byIndex.Put(indexKey(partition, resolvedIndex), positionKey(position)); err != nil {
				return err
			}
			if err := byOp.Put(opKey(partition, opId), positionKey(position)); err != nil {
				return err
			}
			result = s.toChunk(rec)
			return nil
		})
		if txErr != nil {
			return chunk.Chunk{}, false, fmt.Errorf("boltstore: append: %w", txErr)
		}

		if collided {
			// Stale allocator: reload it from the store's high-water mark
			// before retrying, so convergence does not depend on walking
			// the occupied range one id at a time.
			if r, ok := s.alloc.(interface{ Reset(int64) }); ok {
				last, err := s.ReadLastPosition(ctx)
				if err != nil {
					return chunk.Chunk{}, false, err
				}
				r.Reset(last)
			}
			if !s.retry.ShouldRetry(attempt) {
				return chunk.Chunk{}, false, fmt.Errorf("boltstore: append exceeded position-collision retries at position %d", position)
			}
			continue
		}
		if duplicateOp {
			return chunk.Chunk{}, true, nil
		}
		if dupErr != nil {
			return chunk.Chunk{}, false, dupErr
		}
		return result, false, nil
	}
}

func installFiller(positions *bolt.Bucket, position int64, fillerWire []byte) error {
	f := filler.New(position, fillerWire)
	rec := record{
		Position:    f.Position,
		PartitionId: f.PartitionId,
		Index:       f.Index,
		OperationId: f.OperationId,
		Payload:     f.Payload,
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return positions.Put(positionKey(position), encoded)
}

// AppendBatch detects duplicates against the store and against earlier
// jobs in the same batch before any Position is allocated, so a row
// rejected there consumes no Position and needs no filler, mirroring the
// reference backend's batch semantics. An index collision that only shows
// up once an auto-assigned index is known still gets a filler at its
// already-allocated Position and is reported as DuplicatedIndex. The scan,
// the single allocator
// call, and the bulk-insert transaction run under writeMu, which is what
// makes the scan's verdicts still valid when the insert commits — the
// allocator cannot be invoked from inside the insert transaction (nested
// write transactions on one bbolt file self-deadlock).
func (s *Store) AppendBatch(ctx context.Context, jobs []chunk.WriteJob) ([]chunk.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fillerWire, err := s.codec.Serialize(nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: append batch serialize filler: %w", err)
	}

	outcomes := make([]chunk.WriteOutcome, len(jobs))

	type accepted struct {
		jobIndex  int
		partition string
		index     int64
		opId      string
		wire      []byte
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	claimedIdx := make(map[string]map[int64]bool)
	claimedOp := make(map[string]map[string]bool)
	acceptedJobs := make([]accepted, 0, len(jobs))

	scanErr := s.db.View(func(tx *bolt.Tx) error {
		byIndex := tx.Bucket(bucketByIndex)
		byOp := tx.Bucket(bucketByOp)

		for i, job := range jobs {
			opId := job.OperationId
			if opId == "" {
				opId = chunk.NewOperationToken()
			}

			if byOp.Get(opKey(job.PartitionId, opId)) != nil || claimedOp[job.PartitionId][opId] {
				outcomes[i] = chunk.WriteOutcome{DuplicatedOp: true}
				continue
			}

			resolvedIndex := job.Index
			if resolvedIndex != chunk.IndexAuto {
				if byIndex.Get(indexKey(job.PartitionId, resolvedIndex)) != nil || claimedIdx[job.PartitionId][resolvedIndex] {
					outcomes[i] = chunk.WriteOutcome{DuplicatedIndex: true}
					continue
				}
			}

			wire, err := s.codec.Serialize(job.Payload)
			if err != nil {
				return fmt.Errorf("serialize job %d: %w", i, err)
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
		return nil
	})
	if scanErr != nil {
		return outcomes, fmt.Errorf("boltstore: append batch: %w", scanErr)
	}

	if len(acceptedJobs) == 0 {
		return outcomes, nil
	}

	last, err := s.alloc.NextIDs(len(acceptedJobs))
	if err != nil {
		return outcomes, fmt.Errorf("boltstore: allocate batch positions: %w", err)
	}
	first := last - int64(len(acceptedJobs)) + 1

	txErr := s.db.Update(func(tx *bolt.Tx) error {
		positions := tx.Bucket(bucketPositions)
		byIndex := tx.Bucket(bucketByIndex)
		byOp := tx.Bucket(bucketByOp)

		for i, a := range acceptedJobs {
			position := first + int64(i)
			idx := a.index
			if idx == chunk.IndexAuto {
				idx = position
			}
			if byIndex.Get(indexKey(a.partition, idx)) != nil {
				// An auto-assigned index collided with a pre-existing
				// explicit index. This Position was already allocated, so
				// it still needs a filler to stay dense.
				if err := installFiller(positions, position, fillerWire); err != nil {
					return err
				}
				outcomes[a.jobIndex] = chunk.WriteOutcome{DuplicatedIndex: true}
				continue
			}

			rec := record{
				Position:       position,
				PartitionId:    a.partition,
				Index:          idx,
				OperationId:    a.opId,
				Payload:        a.wire,
				SerializerInfo: s.cfg.SerializerInfo,
			}
			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := positions.Put(positionKey(position), encoded); err != nil {
				return err
			}
			if err := byIndex.Put(indexKey(a.partition, idx), positionKey(position)); err != nil {
				return err
			}
			if err := byOp.Put(opKey(a.partition, a.opId), positionKey(position)); err != nil {
				return err
			}
			outcomes[a.jobIndex] = chunk.WriteOutcome{Succeeded: true, Chunk: s.toChunk(rec)}
		}
		return nil
	})
	if txErr != nil {
		return outcomes, fmt.Errorf("boltstore: append batch: %w", txErr)
	}
	return outcomes, nil
}
