package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nstore/internal/chunk"
	"nstore/internal/chunk/memory"
)

type captureSub struct {
	mu        sync.Mutex
	delivered []chunk.Chunk
}

func (s *captureSub) OnStart(int64) {}
func (s *captureSub) OnNext(c chunk.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, c)
	return true
}
func (s *captureSub) Completed(int64)      {}
func (s *captureSub) Stopped(int64)        {}
func (s *captureSub) OnError(int64, error) {}

func (s *captureSub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func TestPollingClientCatchesUp(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := backend.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sub := &captureSub{}
	client := New(backend, sub, 0, Config{Interval: 5 * time.Millisecond})
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-client.Stop() }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.WaitCaughtUp(waitCtx); err != nil {
		t.Fatalf("wait caught up: %v", err)
	}

	if client.Position() != 5 {
		t.Fatalf("expected position 5, got %d", client.Position())
	}
	if sub.count() != 5 {
		t.Fatalf("expected 5 delivered chunks, got %d", sub.count())
	}
}

func TestPollingClientNoOpsUntilNewWrites(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := backend.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sub := &captureSub{}
	client := New(backend, sub, 0, Config{Interval: 5 * time.Millisecond})
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-client.Stop() }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.WaitCaughtUp(waitCtx); err != nil {
		t.Fatalf("wait caught up: %v", err)
	}
	if client.Position() != 3 {
		t.Fatalf("expected position 3, got %d", client.Position())
	}

	time.Sleep(30 * time.Millisecond)
	if client.Position() != 3 {
		t.Fatalf("expected position to stay at 3 with no new writes, got %d", client.Position())
	}

	if _, _, err := backend.Append(ctx, "p", chunk.IndexAuto, []byte("y"), ""); err != nil {
		t.Fatalf("append new: %v", err)
	}

	waitCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	if err := client.WaitCaughtUp(waitCtx2); err != nil {
		t.Fatalf("wait caught up after new write: %v", err)
	}
	if client.Position() != 4 {
		t.Fatalf("expected position 4 after new write, got %d", client.Position())
	}
}

// failingBackend wraps the in-memory backend but fails every ReadAll,
// exercising the error policy path.
type failingBackend struct {
	chunk.Persistence
	err error
}

func (f *failingBackend) ReadAll(ctx context.Context, fromPos int64, sub chunk.Subscription, limit int64) error {
	sub.OnStart(fromPos - 1)
	sub.OnError(fromPos-1, f.err)
	return f.err
}

func TestPollingClientHaltsOnFatalError(t *testing.T) {
	fatal := errors.New("disk gone")
	backend := &failingBackend{Persistence: memory.NewManager(memory.Config{}, 0), err: fatal}

	sub := &captureSub{}
	client := New(backend, sub, 0, Config{
		Interval:    5 * time.Millisecond,
		ErrorPolicy: HaltOn(fatal),
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-client.Stop() }()

	// The first tick hits the fatal error and halts; position never moves.
	time.Sleep(30 * time.Millisecond)
	if client.Position() != 0 {
		t.Fatalf("expected position to stay 0 after halt, got %d", client.Position())
	}
}

func TestPollingClientStateMachine(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	client := New(backend, &captureSub{}, 0, Config{Interval: 5 * time.Millisecond})

	if client.State() != StateStopped {
		t.Fatalf("expected initial state Stopped, got %v", client.State())
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if client.State() != StateRunning {
		t.Fatalf("expected Running after Start, got %v", client.State())
	}
	<-client.Stop()
	if client.State() != StateStopped {
		t.Fatalf("expected Stopped after Stop drained, got %v", client.State())
	}
}

func TestPollingClientSkipsDeletedTail(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := backend.Append(ctx, "p", chunk.IndexAuto, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := backend.Delete(ctx, "p", 1, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sub := &captureSub{}
	client := New(backend, sub, 0, Config{Interval: 5 * time.Millisecond})
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-client.Stop() }()

	// Nothing is deliverable, but the client must still reach the
	// high-water mark instead of waiting on deleted positions.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.WaitCaughtUp(waitCtx); err != nil {
		t.Fatalf("wait caught up: %v", err)
	}
	if client.Position() != 3 {
		t.Fatalf("expected position 3 past the deleted tail, got %d", client.Position())
	}
	if sub.count() != 0 {
		t.Fatalf("expected no deliveries, got %d", sub.count())
	}
}

func TestPollingClientStartIsIdempotent(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	sub := &captureSub{}
	client := New(backend, sub, 0, Config{Interval: 5 * time.Millisecond})

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	<-client.Stop()
}
