package filler

import (
	"testing"

	"nstore/internal/chunk"
)

func TestNewFiller(t *testing.T) {
	c := New(42, []byte("null"))

	if c.Position != 42 {
		t.Fatalf("expected position 42, got %d", c.Position)
	}
	if c.PartitionId != chunk.EmptyPartition {
		t.Fatalf("expected partition %q, got %q", chunk.EmptyPartition, c.PartitionId)
	}
	if c.Index != 42 {
		t.Fatalf("expected index 42, got %d", c.Index)
	}
	if c.OperationId != "_42" {
		t.Fatalf("expected op id _42, got %q", c.OperationId)
	}
	if !c.IsFiller() {
		t.Fatal("expected IsFiller() to be true")
	}
}
