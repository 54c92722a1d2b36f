package memory

import (
	"context"
	"fmt"
	"sort"

	"nstore/internal/chunk"
)

// searchInt64s returns the smallest index i such that a[i] >= x, or len(a)
// if no such index exists: the lower-bound search sort.SearchInts does,
// for int64 (the sort package has no int64 variant).
func searchInt64s(a []int64, x int64) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// snapshotForward collects the chunks a forward read will deliver while
// holding the read lock, so the delivery loop below can invoke the
// subscription with no Manager lock held.
func (m *Manager) snapshotForward(partition string, fromIdxIncl, toIdxIncl, limit int64) []chunk.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part, ok := m.partitions[partition]
	if !ok {
		return nil
	}

	start := searchInt64s(part.sortedIdx, fromIdxIncl)
	out := make([]chunk.Chunk, 0, len(part.sortedIdx)-start)
	for i := start; i < len(part.sortedIdx); i++ {
		idx := part.sortedIdx[i]
		if toIdxIncl >= 0 && idx > toIdxIncl {
			break
		}
		c := m.chunks[part.posByIdx[idx]-1]
		if c.Deleted {
			continue
		}
		out = append(out, c)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out
}

func (m *Manager) snapshotBackward(partition string, fromIdxIncl, toIdxIncl, limit int64) []chunk.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part, ok := m.partitions[partition]
	if !ok {
		return nil
	}

	end := searchInt64s(part.sortedIdx, fromIdxIncl+1) // first idx > fromIdxIncl
	out := make([]chunk.Chunk, 0, end)
	for i := end - 1; i >= 0; i-- {
		idx := part.sortedIdx[i]
		if toIdxIncl >= 0 && idx < toIdxIncl {
			break
		}
		c := m.chunks[part.posByIdx[idx]-1]
		if c.Deleted {
			continue
		}
		out = append(out, c)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out
}

// deliver drives sub over chunks with no internal lock held: OnStart once,
// each payload deserialized before its OnNext, Stopped on early
// termination or an empty result, Completed when the slice is exhausted.
// Cancellation and codec failures surface through OnError.
func (m *Manager) deliver(ctx context.Context, initial int64, sub chunk.Subscription, chunks []chunk.Chunk, posOf func(chunk.Chunk) int64) error {
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
		if err := m.sim.Wait(ctx); err != nil {
			sub.OnError(lastSeen, err)
			return err
		}
		payload, err := m.codec.Deserialize(c.Payload)
		if err != nil {
			err = fmt.Errorf("chunk: deserialize position %d: %w", c.Position, err)
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

func (m *Manager) ReadForward(ctx context.Context, partition string, fromIdxIncl int64, sub chunk.Subscription, toIdxIncl int64, limit int64) error {
	chunks := m.snapshotForward(partition, fromIdxIncl, toIdxIncl, limit)
	return m.deliver(ctx, fromIdxIncl-1, sub, chunks, func(c chunk.Chunk) int64 { return c.Index })
}

func (m *Manager) ReadBackward(ctx context.Context, partition string, fromIdxIncl int64, sub chunk.Subscription, toIdxIncl int64, limit int64) error {
	chunks := m.snapshotBackward(partition, fromIdxIncl, toIdxIncl, limit)
	return m.deliver(ctx, fromIdxIncl+1, sub, chunks, func(c chunk.Chunk) int64 { return c.Index })
}

func (m *Manager) ReadSingleBackward(ctx context.Context, partition string, fromIdxIncl int64) (chunk.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return chunk.Chunk{}, false, err
	}
	chunks := m.snapshotBackward(partition, fromIdxIncl, -1, 1)
	if len(chunks) == 0 {
		return chunk.Chunk{}, false, nil
	}
	c := chunks[0]
	payload, err := m.codec.Deserialize(c.Payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("chunk: deserialize position %d: %w", c.Position, err)
	}
	c.Payload = payload
	return c, true, nil
}

func (m *Manager) ReadAll(ctx context.Context, fromPosIncl int64, sub chunk.Subscription, limit int64) error {
	m.mu.RLock()
	start := fromPosIncl - 1
	if start < 0 {
		start = 0
	}
	out := make([]chunk.Chunk, 0)
	for i := int(start); i < len(m.chunks); i++ {
		c := m.chunks[i]
		if c.Deleted {
			continue
		}
		out = append(out, c)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	m.mu.RUnlock()

	return m.deliver(ctx, fromPosIncl-1, sub, out, func(c chunk.Chunk) int64 { return c.Position })
}

func (m *Manager) ReadLastPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chunks)), nil
}

func (m *Manager) ReadByOperationId(ctx context.Context, partition, opId string) (chunk.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return chunk.Chunk{}, false, err
	}
	m.mu.RLock()
	part, ok := m.partitions[partition]
	if !ok {
		m.mu.RUnlock()
		return chunk.Chunk{}, false, nil
	}
	pos, ok := part.posByOp[opId]
	if !ok {
		m.mu.RUnlock()
		return chunk.Chunk{}, false, nil
	}
	c := m.chunks[pos-1]
	m.mu.RUnlock()

	if c.Deleted {
		return chunk.Chunk{}, false, nil
	}
	payload, err := m.codec.Deserialize(c.Payload)
	if err != nil {
		return chunk.Chunk{}, false, fmt.Errorf("chunk: deserialize position %d: %w", c.Position, err)
	}
	c.Payload = payload
	return c, true, nil
}

func (m *Manager) ReadAllByOperationId(ctx context.Context, opId string, sub chunk.Subscription) error {
	m.mu.RLock()
	out := make([]chunk.Chunk, 0)
	for _, part := range m.partitions {
		if pos, ok := part.posByOp[opId]; ok {
			c := m.chunks[pos-1]
			if !c.Deleted {
				out = append(out, c)
			}
		}
	}
	m.mu.RUnlock()

	// Partition map iteration is unordered; delivery is by ascending
	// Position.
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })

	return m.deliver(ctx, 0, sub, out, func(c chunk.Chunk) int64 { return c.Position })
}

func (m *Manager) Delete(ctx context.Context, partition string, fromIdxIncl, toIdxIncl int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[partition]
	if !ok {
		return fmt.Errorf("chunk: delete %s[%d:%d]: %w", partition, fromIdxIncl, toIdxIncl, chunk.ErrStreamDelete)
	}

	start := searchInt64s(part.sortedIdx, fromIdxIncl)
	matched := 0
	for i := start; i < len(part.sortedIdx); i++ {
		idx := part.sortedIdx[i]
		if idx > toIdxIncl {
			break
		}
		pos := part.posByIdx[idx]
		if !m.chunks[pos-1].Deleted {
			m.chunks[pos-1].Deleted = true
			matched++
		}
	}
	if matched == 0 {
		return fmt.Errorf("chunk: delete %s[%d:%d]: %w", partition, fromIdxIncl, toIdxIncl, chunk.ErrStreamDelete)
	}
	return nil
}

func (m *Manager) SupportsFillers() bool { return true }
