package hexid

import "testing"

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 8 {
			t.Fatalf("len(New()) = %d, want 8", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewLong(t *testing.T) {
	if id := NewLong(); len(id) != 16 {
		t.Errorf("len(NewLong()) = %d, want 16", len(id))
	}
}
