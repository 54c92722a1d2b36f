package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"nstore/internal/chunk"
)

// deliver drives sub over chunks exactly as the reference in-memory
// backend does: OnStart once, each payload deserialized before its
// OnNext, Stopped on early termination or an empty result, Completed when
// the slice is exhausted. Runs with no transaction open.
func (s *Store) deliver(ctx context.Context, initial int64, sub chunk.Subscription, chunks []chunk.Chunk, posOf func(chunk.Chunk) int64) error {
	sub.OnStart(initial)

	if len(chunks) == 0 {
		sub.Stopped(initial)
		return nil
	}

	lastSeen := initial
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			sub.OnError(lastSeen, err)
			return err
		}
		payload, err := s.codec.Deserialize(c.Payload)
		if err != nil {
			err = fmt.Errorf("boltstore: deserialize position %d: %w", c.Position, err)
			sub.OnError(lastSeen, err)
			return err
		}
		c.Payload = payload
		lastSeen = posOf(c)
		if cont := sub.OnNext(c); !cont {
			sub.Stopped(lastSeen)
			return nil
		}
	}
	sub.Completed(lastSeen)
	return nil
}

func (s *Store) lookupPosition(tx *bolt.Tx, posBuf []byte) (chunk.Chunk, error) {
	wire := tx.Bucket(bucketPositions).Get(posBuf)
	if wire == nil {
		return chunk.Chunk{}, fmt.Errorf("boltstore: dangling index entry for position key %x", posBuf)
	}
	rec, err := decodeRecord(wire)
	if err != nil {
		return chunk.Chunk{}, err
	}
	return s.toChunk(rec), nil
}

func (s *Store) ReadForward(ctx context.Context, partition string, fromIdxIncl int64, sub chunk.Subscription, toIdxIncl int64, limit int64) error {
	var out []chunk.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByIndex).Cursor()
		prefix := indexKeyPrefix(partition)
		for k, v := c.Seek(indexKey(partition, fromIdxIncl)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			idx := decodeIndexFromKey(partition, k)
			if toIdxIncl >= 0 && idx > toIdxIncl {
				break
			}
			ch, err := s.lookupPosition(tx, v)
			if err != nil {
				return err
			}
			if ch.Deleted {
				continue
			}
			out = append(out, ch)
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: read forward: %w", err)
	}
	return s.deliver(ctx, fromIdxIncl-1, sub, out, func(c chunk.Chunk) int64 { return c.Index })
}

func (s *Store) ReadBackward(ctx context.Context, partition string, fromIdxIncl int64, sub chunk.Subscription, toIdxIncl int64, limit int64) error {
	var fwd []chunk.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByIndex).Cursor()
		prefix := indexKeyPrefix(partition)
		lowerBound := toIdxIncl
		if lowerBound < 0 {
			lowerBound = 0
		}
		for k, v := c.Seek(indexKey(partition, lowerBound)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			idx := decodeIndexFromKey(partition, k)
			if idx > fromIdxIncl {
				break
			}
			ch, err := s.lookupPosition(tx, v)
			if err != nil {
				return err
			}
			if ch.Deleted {
				continue
			}
			fwd = append(fwd, ch)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: read backward: %w", err)
	}

	// fwd is ascending by index; reverse to descending and apply limit.
	out := make([]chunk.Chunk, 0, len(fwd))
	for i := len(fwd) - 1; i >= 0; i-- {
		out = append(out, fwd[i])
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return s.deliver(ctx, fromIdxIncl+1, sub, out, func(c chunk.Chunk) int64 { return c.Index })
}

func (s *Store) ReadSingleBackward(ctx context.Context, partition string, fromIdxIncl int64) (chunk.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return chunk.Chunk{}, false, err
	}

	var found chunk.Chunk
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByIndex).Cursor()
		prefix := indexKeyPrefix(partition)
		// Seek to the first key strictly greater than fromIdxIncl (which
		// may be another partition's), then step back to land on the
		// largest key <= fromIdxIncl. Deleted chunks keep their index
		// entry, so keep stepping back past them.
		k, v := c.Seek(indexKey(partition, fromIdxIncl+1))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			ch, err := s.lookupPosition(tx, v)
			if err != nil {
				return err
			}
			if ch.Deleted {
				continue
			}
			found, ok = ch, true
			return nil
		}
		return nil
	})
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: read single backward: %w", err)
	}
	if !ok {
		return chunk.Chunk{}, false, nil
	}
	payload, err := s.codec.Deserialize(found.Payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: deserialize position %d: %w", found.Position, err)
	}
	found.Payload = payload
	return found, true, nil
}

func (s *Store) ReadAll(ctx context.Context, fromPosIncl int64, sub chunk.Subscription, limit int64) error {
	var out []chunk.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPositions).Cursor()
		start := fromPosIncl
		if start < 1 {
			start = 1
		}
		for k, v := c.Seek(positionKey(start)); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if rec.Deleted {
				continue
			}
			out = append(out, s.toChunk(rec))
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: read all: %w", err)
	}
	return s.deliver(ctx, fromPosIncl-1, sub, out, func(c chunk.Chunk) int64 { return c.Position })
}

func (s *Store) ReadLastPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPositions).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		last = decodePositionKey(k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: read last position: %w", err)
	}
	return last, nil
}

func (s *Store) ReadByOperationId(ctx context.Context, partition, opId string) (chunk.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return chunk.Chunk{}, false, err
	}
	var found chunk.Chunk
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		posBuf := tx.Bucket(bucketByOp).Get(opKey(partition, opId))
		if posBuf == nil {
			return nil
		}
		ch, err := s.lookupPosition(tx, posBuf)
		if err != nil {
			return err
		}
		if ch.Deleted {
			return nil
		}
		found, ok = ch, true
		return nil
	})
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: read by operation id: %w", err)
	}
	if !ok {
		return chunk.Chunk{}, false, nil
	}
	payload, err := s.codec.Deserialize(found.Payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("boltstore: deserialize position %d: %w", found.Position, err)
	}
	found.Payload = payload
	return found, true, nil
}

func (s *Store) ReadAllByOperationId(ctx context.Context, opId string, sub chunk.Subscription) error {
	var out []chunk.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByOp).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			// Keys are partition, NUL, operationId; partitions never
			// contain NUL.
			sep := bytes.IndexByte(k, 0)
			if sep < 0 || string(k[sep+1:]) != opId {
				continue
			}
			ch, err := s.lookupPosition(tx, v)
			if err != nil {
				return err
			}
			if !ch.Deleted {
				out = append(out, ch)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: read all by operation id: %w", err)
	}
	// by_op iterates in partition order; delivery is by ascending Position.
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return s.deliver(ctx, 0, sub, out, func(c chunk.Chunk) int64 { return c.Position })
}

func (s *Store) Delete(ctx context.Context, partition string, fromIdxIncl, toIdxIncl int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	matched := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		positions := tx.Bucket(bucketPositions)
		c := tx.Bucket(bucketByIndex).Cursor()
		prefix := indexKeyPrefix(partition)
		for k, v := c.Seek(indexKey(partition, fromIdxIncl)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			idx := decodeIndexFromKey(partition, k)
			if idx > toIdxIncl {
				break
			}
			wire := positions.Get(v)
			if wire == nil {
				continue
			}
			rec, err := decodeRecord(wire)
			if err != nil {
				return err
			}
			if rec.Deleted {
				continue
			}
			rec.Deleted = true
			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := positions.Put(v, encoded); err != nil {
				return err
			}
			matched++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: delete %s[%d:%d]: %w", partition, fromIdxIncl, toIdxIncl, err)
	}
	if matched == 0 {
		return fmt.Errorf("boltstore: delete %s[%d:%d]: %w", partition, fromIdxIncl, toIdxIncl, chunk.ErrStreamDelete)
	}
	return nil
}
