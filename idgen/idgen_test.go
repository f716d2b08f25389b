package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_SortableAndUnique(t *testing.T) {
	gen := UUIDv7()
	prev := ""
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 36 {
			t.Fatalf("id %q: length %d", id, len(id))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
		if id[:8] < prev[:min(8, len(prev))] {
			t.Fatalf("time prefix went backwards: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("conn_", UUIDv7())()
	if !strings.HasPrefix(id, "conn_") {
		t.Fatalf("got %q", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "conn_")); err != nil {
		t.Fatal(err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
