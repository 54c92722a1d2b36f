package codec

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	var c Codec = Identity{}

	wire, err := c.Serialize(payload)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := c.Deserialize(wire)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestTaggedRoundTrip(t *testing.T) {
	payload := []byte(`{"k":"v"}`)
	c := Tagged{Tag: "json"}

	wire, err := c.Serialize(payload)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	tag, err := TagOf(wire)
	if err != nil {
		t.Fatalf("tag of: %v", err)
	}
	if tag != "json" {
		t.Fatalf("expected tag %q, got %q", "json", tag)
	}

	got, err := c.Deserialize(wire)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	c := Compressed{Inner: Identity{}}
	wire, err := c.Serialize(payload)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(wire) >= len(payload) {
		t.Fatalf("expected compression to shrink repetitive payload: %d >= %d", len(wire), len(payload))
	}

	got, err := c.Deserialize(wire)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatal("round trip mismatch")
	}
}

func TestCompressedWrapsTagged(t *testing.T) {
	payload := []byte("small payload")
	c := Compressed{Inner: Tagged{Tag: "text"}}

	wire, err := c.Serialize(payload)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := c.Deserialize(wire)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}
