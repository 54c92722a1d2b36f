// Package memory is the reference Persistence backend: a growable,
// position-indexed in-memory store. Its behavior is normative; every
// other backend is tested against the scenarios this package proves out
// first.
package memory

import (
	"log/slog"
	"sort"
	"sync"

	"nstore/internal/chunk"
	"nstore/internal/codec"
	"nstore/internal/logging"
	"nstore/internal/sequence"
	"nstore/internal/simulator"
)

// Config configures a Manager. Every field has a usable zero-value default.
type Config struct {
	// Codec serializes payloads before storage. Defaults to codec.Identity.
	Codec codec.Codec

	// Allocator hands out Positions. Defaults to a fresh sequence.Local
	// primed at 0.
	Allocator chunk.Allocator

	// RetryPolicy bounds the position-collision retry loop in Append.
	// Defaults to chunk.DefaultRetryPolicy().
	RetryPolicy chunk.RetryPolicy

	// Simulator is invoked before every observable step (each chunk
	// delivered to a Subscription, and before each Append attempt and each
	// AppendBatch). Defaults to
	// simulator.NoOp{}.
	Simulator simulator.Simulator

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Manager is the reference in-memory Persistence backend.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Manager owns its scoped logger (component="chunk-manager", type="memory")
//   - No logging in hot paths (Append, read iteration); only construction.
//
// Concurrency: a single sync.RWMutex guards both the global position slice
// and every partition's index. Writes (Append/AppendBatch/Delete) take the
// write lock for their full duration, which guarantees the strict,
// gap-free Position ordering observable through ReadAll. Reads take the
// read lock only long enough to snapshot the chunks they will deliver;
// Subscription callbacks always run with no internal lock held.
type Manager struct {
	mu sync.RWMutex

	cfg    Config
	codec  codec.Codec
	alloc  chunk.Allocator
	retry  chunk.RetryPolicy
	sim    simulator.Simulator
	logger *slog.Logger

	chunks     []chunk.Chunk               // index i holds Position i+1
	partitions map[string]*partitionIndex
}

// partitionIndex tracks one partition's ordering and uniqueness state.
// Guarded by the owning Manager's mu; not independently locked (see
// Manager doc comment).
type partitionIndex struct {
	sortedIdx []int64          // ascending, unique
	posByIdx  map[int64]int64  // index -> global position
	posByOp   map[string]int64 // operationId -> global position
}

func newPartitionIndex() *partitionIndex {
	return &partitionIndex{
		posByIdx: make(map[int64]int64),
		posByOp:  make(map[string]int64),
	}
}

func (p *partitionIndex) insert(index int64, opId string, position int64) {
	i := sort.Search(len(p.sortedIdx), func(i int) bool { return p.sortedIdx[i] >= index })
	p.sortedIdx = append(p.sortedIdx, 0)
	copy(p.sortedIdx[i+1:], p.sortedIdx[i:])
	p.sortedIdx[i] = index
	p.posByIdx[index] = position
	p.posByOp[opId] = position
}

// NewManager constructs a reference backend. initialPosition primes the
// default allocator when cfg.Allocator is nil; ignored otherwise.
func NewManager(cfg Config, initialPosition int64) *Manager {
	if cfg.Codec == nil {
		cfg.Codec = codec.Identity{}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = sequence.NewLocal(initialPosition)
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = chunk.DefaultRetryPolicy()
	}
	if cfg.Simulator == nil {
		cfg.Simulator = simulator.NoOp{}
	}

	logger := logging.Default(cfg.Logger).With("component", "chunk-manager", "type", "memory")

	return &Manager{
		cfg:        cfg,
		codec:      cfg.Codec,
		alloc:      cfg.Allocator,
		retry:      cfg.RetryPolicy,
		sim:        cfg.Simulator,
		logger:     logger,
		partitions: make(map[string]*partitionIndex),
	}
}

func (m *Manager) partitionLocked(id string) *partitionIndex {
	p, ok := m.partitions[id]
	if !ok {
		p = newPartitionIndex()
		m.partitions[id] = p
	}
	return p
}

// installLocked grows m.chunks as needed and writes c at its Position slot.
// Callers must hold mu for writing.
func (m *Manager) installLocked(c chunk.Chunk) {
	idx := int(c.Position - 1)
	for len(m.chunks) <= idx {
		m.chunks = append(m.chunks, chunk.Chunk{})
	}
	m.chunks[idx] = c
}

var _ chunk.Persistence = (*Manager)(nil)
