package util

import (
	"encoding/hex"
	"testing"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if len(id) != 24 {
			t.Fatalf("len(%q) = %d, want 24", id, len(id))
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("id %q is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	a, b := NewID(), NewID()
	if a[:8] > b[:8] {
		t.Fatalf("timestamp prefix went backwards: %s then %s", a, b)
	}
}
