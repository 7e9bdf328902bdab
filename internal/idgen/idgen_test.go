package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("expected 5 dash-separated groups, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Errorf("expected 36 chars, got %d in %q", len(id), id)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("sess_")
	if !strings.HasPrefix(id, "sess_") {
		t.Errorf("expected sess_ prefix, got %q", id)
	}
	if len(id) != len("sess_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %q", id)
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("flag_")
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestHex_Length(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Hex(16) length = %d, want 32", len(got))
	}
}
