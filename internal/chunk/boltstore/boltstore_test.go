package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	bolt "go.etcd.io/bbolt"

	"nstore/internal/chunk"
	"nstore/internal/sequence"
)

type recordingSub struct {
	started   int64
	delivered []chunk.Chunk
	completed *int64
	stopped   *int64
	err       error
}

func (s *recordingSub) OnStart(initial int64) { s.started = initial }
func (s *recordingSub) OnNext(c chunk.Chunk) bool {
	s.delivered = append(s.delivered, c)
	return true
}
func (s *recordingSub) Completed(last int64) { s.completed = &last }
func (s *recordingSub) Stopped(last int64)   { s.stopped = &last }
func (s *recordingSub) OnError(last int64, err error) { s.err = err }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltAppendAndReadForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, op := range []string{"A", "B", "C"} {
		if _, _, err := s.Append(ctx, "acct-1", chunk.IndexAuto, []byte(op), op); err != nil {
			t.Fatalf("append %s: %v", op, err)
		}
	}

	sub := &recordingSub{}
	if err := s.ReadForward(ctx, "acct-1", 1, sub, -1, 0); err != nil {
		t.Fatalf("read forward: %v", err)
	}
	if len(sub.delivered) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sub.delivered))
	}
	if sub.completed == nil || *sub.completed != 3 {
		t.Fatalf("expected Completed(3), got %+v", sub.completed)
	}
}

func TestBoltIndexCollisionProducesFiller(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Append(ctx, "s", 5, []byte("x"), "op1"); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, _, err := s.Append(ctx, "s", 5, []byte("y"), "op2")
	var dupErr *chunk.DuplicateStreamIndexError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateStreamIndexError, got %v", err)
	}

	last, err := s.ReadLastPosition(ctx)
	if err != nil {
		t.Fatalf("read last position: %v", err)
	}
	if last != 2 {
		t.Fatalf("expected last position 2, got %d", last)
	}

	sub := &recordingSub{}
	if err := s.ReadAll(ctx, 1, sub, 0); err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(sub.delivered) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sub.delivered))
	}
	if sub.delivered[1].PartitionId != chunk.EmptyPartition {
		t.Fatalf("expected second chunk to be a filler, got partition %q", sub.delivered[1].PartitionId)
	}
}

func TestBoltOperationIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, dup1, err := s.Append(ctx, "s", chunk.IndexAuto, []byte("x"), "op1")
	if err != nil || dup1 {
		t.Fatalf("first append: chunk=%+v dup=%v err=%v", c1, dup1, err)
	}

	c2, dup2, err := s.Append(ctx, "s", chunk.IndexAuto, []byte("y"), "op1")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if !dup2 {
		t.Fatalf("expected duplicate return for repeated opId, got chunk %+v", c2)
	}

	found, ok, err := s.ReadByOperationId(ctx, "s", "op1")
	if err != nil || !ok {
		t.Fatalf("read by operation id: found=%v ok=%v err=%v", found, ok, err)
	}
	if found.Position != c1.Position {
		t.Fatalf("expected position %d, got %d", c1.Position, found.Position)
	}

	last, err := s.ReadLastPosition(ctx)
	if err != nil {
		t.Fatalf("read last position: %v", err)
	}
	if last != 2 {
		t.Fatalf("expected last position 2 (filler consumed it), got %d", last)
	}
}

func TestBoltAppendBatchOneDuplicateIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Append(ctx, "s", 1, []byte("pre"), "pre-op"); err != nil {
		t.Fatalf("pre-existing append: %v", err)
	}

	outcomes, err := s.AppendBatch(ctx, []chunk.WriteJob{
		{PartitionId: "s", Index: 1, Payload: []byte("a"), OperationId: "o1"},
		{PartitionId: "s", Index: 2, Payload: []byte("b"), OperationId: "o2"},
		{PartitionId: "s", Index: 1, Payload: []byte("c"), OperationId: "o3"},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if !outcomes[0].DuplicatedIndex {
		t.Fatalf("expected job 0 duplicated index, got %+v", outcomes[0])
	}
	if !outcomes[1].Succeeded {
		t.Fatalf("expected job 1 succeeded, got %+v", outcomes[1])
	}
	if !outcomes[2].DuplicatedIndex {
		t.Fatalf("expected job 2 duplicated index, got %+v", outcomes[2])
	}
}

func TestBoltDeleteRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if _, _, err := s.Append(ctx, "p", i, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := s.Delete(ctx, "p", 2, 4); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sub := &recordingSub{}
	if err := s.ReadForward(ctx, "p", 1, sub, -1, 0); err != nil {
		t.Fatalf("read forward: %v", err)
	}
	if len(sub.delivered) != 2 {
		t.Fatalf("expected 2 remaining chunks, got %d", len(sub.delivered))
	}
	if sub.delivered[0].Index != 1 || sub.delivered[1].Index != 5 {
		t.Fatalf("expected indices 1 and 5, got %d and %d", sub.delivered[0].Index, sub.delivered[1].Index)
	}
}

func TestBoltDeleteNoMatchErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Delete(ctx, "nope", 1, 10)
	if !errors.Is(err, chunk.ErrStreamDelete) {
		t.Fatalf("expected ErrStreamDelete, got %v", err)
	}
}

func TestBoltEarlySubscriptionStop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		if _, _, err := s.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sub := &stoppingSub{stopAfter: 3}
	if err := s.ReadForward(ctx, "p", 1, sub, -1, 0); err != nil {
		t.Fatalf("read forward: %v", err)
	}
	if sub.stopped == nil || *sub.stopped != 3 {
		t.Fatalf("expected Stopped(3), got %+v", sub.stopped)
	}
}

func TestBoltFactory(t *testing.T) {
	factory := NewFactory()

	if _, err := factory(map[string]string{}, nil); !errors.Is(err, chunk.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions without path, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "store.db")
	backend, err := factory(map[string]string{ParamPath: path}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { backend.(*Store).Close() })

	if _, _, err := backend.Append(context.Background(), "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestBoltStaleLocalSequenceReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s1, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := s1.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen with a local allocator primed at 0: stale against the three
	// persisted chunks. The first append must reload and land at 4.
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, err := New(db, Config{Allocator: sequence.NewLocal(0)})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	c, _, err := s2.Append(ctx, "p", chunk.IndexAuto, []byte("y"), "")
	if err != nil {
		t.Fatalf("append with stale allocator: %v", err)
	}
	if c.Position != 4 {
		t.Fatalf("expected reloaded position 4, got %d", c.Position)
	}
}

func TestBoltAppendFailsWhenRetriesExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s1, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	if _, _, err := s1.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A stale local allocator collides on position 1; with no retries
	// allowed the collision must surface as an error, not a hang.
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, err := New(db, Config{
		Allocator:   sequence.NewLocal(0),
		RetryPolicy: chunk.BoundedRetryPolicy{Max: 0},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	_, _, err = s2.Append(ctx, "p", chunk.IndexAuto, []byte("y"), "")
	if err == nil || !strings.Contains(err.Error(), "position-collision retries") {
		t.Fatalf("expected retry-exhaustion error, got %v", err)
	}
}

func TestBoltReadSingleBackwardIgnoresOtherPartitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Append(ctx, "aaa", 10, []byte("a"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := s.Append(ctx, "zzz", 99, []byte("z"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The seek past aaa's range lands on zzz's keys; the scan must still
	// find aaa's chunk.
	c, ok, err := s.ReadSingleBackward(ctx, "aaa", 50)
	if err != nil || !ok {
		t.Fatalf("read single backward: ok=%v err=%v", ok, err)
	}
	if c.Index != 10 || c.PartitionId != "aaa" {
		t.Fatalf("expected aaa[10], got %s[%d]", c.PartitionId, c.Index)
	}

	_, ok, err = s.ReadSingleBackward(ctx, "aaa", 5)
	if err != nil {
		t.Fatalf("read single backward: %v", err)
	}
	if ok {
		t.Fatal("expected no chunk below aaa's first index")
	}
}

type stoppingSub struct {
	stopAfter int
	seen      int
	stopped   *int64
}

func (s *stoppingSub) OnStart(int64) {}
func (s *stoppingSub) OnNext(c chunk.Chunk) bool {
	s.seen++
	return s.seen < s.stopAfter
}
func (s *stoppingSub) Completed(int64)        {}
func (s *stoppingSub) Stopped(last int64)     { s.stopped = &last }
func (s *stoppingSub) OnError(int64, error)   {}
