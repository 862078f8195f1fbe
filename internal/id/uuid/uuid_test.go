package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if id1 > id2 {
		t.Fatalf("expected time-ordered ids, got %s then %s", id1, id2)
	}
}

func TestGeneratorInstance(t *testing.T) {
	t.Parallel()

	got := New().Instance("discovery")
	if !strings.HasPrefix(got, "discovery-") || len(got) != len("discovery-")+8 {
		t.Fatalf("unexpected instance id %q", got)
	}
	if bare := New().Instance(""); len(bare) != 8 {
		t.Fatalf("expected 8 hex chars without prefix, got %q", bare)
	}
}
