package gate

import (
	"context"
	"testing"
	"time"

	"github.com/callosum-dev/callosum/internal/decision"
	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/tier"
)

func newGateForTest(t *testing.T, instance string) *Gate {
	t.Helper()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)
	cfg := decision.DefaultConfig(instance)
	return &Gate{procedure: decision.New(classifier, st, cfg, nil), store: st}
}

func TestBeforeToolCallAllowsReturnsNil(t *testing.T) {
	ctx := context.Background()
	g := newGateForTest(t, "alpha")

	result, err := g.BeforeToolCall(ctx, "file_write", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Fatalf("expected nil result for a tier-1 allow, got %+v", result)
	}
}

func TestBeforeToolCallBlocksCarriesReason(t *testing.T) {
	ctx := context.Background()
	g := newGateForTest(t, "alpha")
	params := map[string]any{"to": "alice@example.com"}

	if _, err := g.BeforeToolCall(ctx, "email", params); err != nil {
		t.Fatal(err)
	}
	if err := g.AfterToolCall(ctx, "email", params, nil); err != nil {
		t.Fatal(err)
	}

	result, err := g.BeforeToolCall(ctx, "email", params)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || !result.Block {
		t.Fatalf("expected a blocked duplicate call, got %+v", result)
	}
	if result.BlockReason == "" {
		t.Fatal("expected a non-empty block reason")
	}
}

func TestAfterToolCallPropagatesToStore(t *testing.T) {
	ctx := context.Background()
	g := newGateForTest(t, "alpha")
	params := map[string]any{"action": "channel-delete"}

	if _, err := g.BeforeToolCall(ctx, "message", params); err != nil {
		t.Fatal(err)
	}
	if err := g.AfterToolCall(ctx, "message", params, nil); err != nil {
		t.Fatal(err)
	}

	snap, err := g.Store().Status(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Locks) != 0 {
		t.Fatalf("expected the lock to be released after a completed tier-4 call, got %+v", snap.Locks)
	}
}

func TestCloseClosesUnderlyingStore(t *testing.T) {
	g := newGateForTest(t, "alpha")
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
}
