package projection

import (
	"context"
	"errors"
	"testing"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/store"
)

// TestRedisMirror_Integration requires a running Redis and is skipped
// otherwise.
func TestRedisMirror_Integration(t *testing.T) {
	m := NewRedisMirror("localhost:6379", "", 0, "nds-test:")
	defer m.Close()
	ctx := context.Background()
	if err := m.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer m.Clear(ctx, "balances")

	item := ir.Object{"balance": ir.String("12.5"), "events": ir.Int(2)}
	if err := m.Publish(ctx, "balances", map[string]ir.Value{"gold": item}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := m.Get(ctx, "balances", "gold")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	obj, ok := got.(ir.Object)
	if !ok || obj["balance"] != ir.String("12.5") {
		t.Errorf("Get = %v, want %v", got, item)
	}

	if _, err := m.Get(ctx, "balances", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing: got %v, want not found", err)
	}
}
