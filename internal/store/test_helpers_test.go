package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/schema"
)

// createTestStore creates a file-backed store with the default registry.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithRegistry(schema.NewDefaultRegistry())}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustAppend appends events and fails the test on error.
func mustAppend(t *testing.T, s *Store, events ...ir.Event) SeqRange {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("mustAppend needs at least one event")
	}
	rng, err := s.Append(context.Background(), events[0].Origin, events)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	return rng
}

// collect drains a ReadRange iterator.
func collect(t *testing.T, s *Store, origin ir.OriginID, from, to uint64) []ir.Event {
	t.Helper()
	var out []ir.Event
	for ev, err := range s.ReadRange(context.Background(), origin, from, to) {
		if err != nil {
			t.Fatalf("ReadRange() failed: %v", err)
		}
		out = append(out, ev)
	}
	return out
}
