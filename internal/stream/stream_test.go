package stream

import (
	"context"
	"testing"

	"nstore/internal/chunk"
	"nstore/internal/chunk/memory"
)

type capture struct {
	delivered []chunk.Chunk
}

func (c *capture) OnStart(int64) {}
func (c *capture) OnNext(ch chunk.Chunk) bool {
	c.delivered = append(c.delivered, ch)
	return true
}
func (c *capture) Completed(int64)      {}
func (c *capture) Stopped(int64)        {}
func (c *capture) OnError(int64, error) {}

func TestStreamAppendAndRead(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	factory := NewFactory(backend)
	s := factory.Open("acct-1")
	ctx := context.Background()

	if !s.IsWritable() {
		t.Fatal("expected writable stream")
	}

	if _, _, err := s.Append(ctx, []byte("e1"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := s.Append(ctx, []byte("e2"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	sub := &capture{}
	if err := s.Read(ctx, sub, 1, -1); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(sub.delivered) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sub.delivered))
	}
}

func TestStreamEmptyPartitionNotWritable(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	factory := NewFactory(backend)
	s := factory.Open(chunk.EmptyPartition)

	if s.IsWritable() {
		t.Fatal("expected empty partition to not be writable")
	}
	if _, _, err := s.Append(context.Background(), []byte("x"), ""); err == nil {
		t.Fatal("expected error appending to empty partition")
	}
}

func TestStreamDeleteAndLast(t *testing.T) {
	backend := memory.NewManager(memory.Config{}, 0)
	factory := NewFactory(backend)
	s := factory.Open("p")
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, _, err := s.AppendAt(ctx, i, []byte("x"), ""); err != nil {
			t.Fatalf("append at %d: %v", i, err)
		}
	}

	last, ok, err := s.Last(ctx, 10)
	if err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	if last.Index != 3 {
		t.Fatalf("expected index 3, got %d", last.Index)
	}

	if err := s.DeleteRange(ctx, 2, 2); err != nil {
		t.Fatalf("delete range: %v", err)
	}

	if err := s.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.Last(ctx, 10); err != nil || ok {
		t.Fatalf("expected no chunks after full delete: ok=%v err=%v", ok, err)
	}
}
