package decision

import (
	"context"
	"testing"
	"time"

	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/template"
	"github.com/callosum-dev/callosum/internal/tier"
)

func newProcedureForTest(t *testing.T, instance string) (*Procedure, store.Store) {
	t.Helper()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)
	cfg := DefaultConfig(instance)
	return New(classifier, st, cfg, nil), st
}

// Scenario 1: email duplicate (self).
func TestEmailDuplicateSelf(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcedureForTest(t, "alpha")

	params := template.Params{"command": "curl --url 'smtp://host' --mail-rcpt 'alice@example.com' --data x"}
	v, err := p.BeforeToolCall(ctx, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAllow || v.Tier != tier.LevelCommitment || v.ContextKey != "email:alice@example.com" {
		t.Fatalf("first call: got %+v", v)
	}
	if err := p.AfterToolCall(ctx, "exec", params, nil); err != nil {
		t.Fatal(err)
	}

	v, err = p.BeforeToolCall(ctx, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindPause {
		t.Fatalf("second identical call: expected pause, got %+v", v)
	}
	if v.Reason == "" {
		t.Fatal("expected a non-empty pause reason")
	}
}

// Scenario 2: thread race (two instances, tier 2) — both proceed, both complete.
func TestThreadRaceTierTwoBothComplete(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)

	alpha := New(classifier, st, DefaultConfig("alpha"), nil)
	beta := New(classifier, st, DefaultConfig("beta"), nil)

	params := template.Params{"action": "thread-reply", "target": "andy", "replyTo": "msg-500"}

	v1, err := alpha.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow || v1.Tier != tier.LevelRoutine || v1.ContextKey != "channel:andy" {
		t.Fatalf("alpha: got %+v", v1)
	}

	v2, err := beta.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindAllow {
		t.Fatalf("beta: expected allow at tier 2, got %+v", v2)
	}

	if err := alpha.AfterToolCall(ctx, "message", params, nil); err != nil {
		t.Fatal(err)
	}
	if err := beta.AfterToolCall(ctx, "message", params, nil); err != nil {
		t.Fatal(err)
	}
}

// Scenario 3: irreversible race (tier 4) — loser is blocked naming the holder.
func TestIrreversibleRaceBlocksLoser(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)

	alpha := New(classifier, st, DefaultConfig("alpha"), nil)
	beta := New(classifier, st, DefaultConfig("beta"), nil)

	params := template.Params{"action": "channel-delete"}

	v1, err := alpha.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow || v1.Tier != tier.LevelIrreversible {
		t.Fatalf("alpha: got %+v", v1)
	}

	v2, err := beta.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindBlock {
		t.Fatalf("beta: expected block, got %+v", v2)
	}
	if v2.Reason == "" {
		t.Fatal("expected a non-empty block reason")
	}
}

// Scenario 4: different recipients, no conflict — both proceed and complete.
func TestDifferentRecipientsNoConflict(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)

	alpha := New(classifier, st, DefaultConfig("alpha"), nil)
	beta := New(classifier, st, DefaultConfig("beta"), nil)

	paramsAlpha := template.Params{"to": "alice@example.com"}
	paramsBeta := template.Params{"to": "bob@example.com"}

	v1, err := alpha.BeforeToolCall(ctx, "email", paramsAlpha)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := beta.BeforeToolCall(ctx, "email", paramsBeta)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow || v2.Kind != KindAllow {
		t.Fatalf("expected both to proceed: %+v %+v", v1, v2)
	}
	if v1.ContextKey == v2.ContextKey {
		t.Fatalf("expected distinct context keys, got %q for both", v1.ContextKey)
	}
	if err := alpha.AfterToolCall(ctx, "email", paramsAlpha, nil); err != nil {
		t.Fatal(err)
	}
	if err := beta.AfterToolCall(ctx, "email", paramsBeta, nil); err != nil {
		t.Fatal(err)
	}
}

// Scenario 5: classification override — a prepended git-push rule wins
// over the generic exec tier-1 rule and participates in duplicate
// detection.
func TestGitPushClassificationOverride(t *testing.T) {
	ctx := context.Background()
	rules := append([]tier.Rule{
		{Name: "git-push", Tier: tier.LevelCommitment, Tool: "exec", CommandPattern: "git push", ContextKeyTemplate: "git-push"},
	}, tier.DefaultRules()...)
	classifier, err := tier.Compile(rules)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)
	p := New(classifier, st, DefaultConfig("alpha"), nil)

	params := template.Params{"command": "git push origin main"}
	v, err := p.BeforeToolCall(ctx, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAllow || v.Tier != tier.LevelCommitment || v.ContextKey != "git-push" {
		t.Fatalf("got %+v, want tier 3 context key git-push", v)
	}
	if err := p.AfterToolCall(ctx, "exec", params, nil); err != nil {
		t.Fatal(err)
	}

	v, err = p.BeforeToolCall(ctx, "exec", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindPause {
		t.Fatalf("expected duplicate git push to pause, got %+v", v)
	}
}

// Scenario 6: lock expiry — a 1ms TTL lets another instance acquire
// after expiry with no manual cleanup.
func TestLockExpiryAllowsTakeover(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)

	cfgAlpha := DefaultConfig("alpha")
	cfgAlpha.LockTTL = time.Millisecond
	cfgAlpha.SelfDuplicateDetection = false // isolate this test to lock behavior, not duplicate detection
	alpha := New(classifier, st, cfgAlpha, nil)

	cfgBeta := DefaultConfig("beta")
	cfgBeta.SelfDuplicateDetection = false
	cfgBeta.ContextWindow = time.Millisecond // alpha's context record on this key would otherwise be a tier-4 conflict
	beta := New(classifier, st, cfgBeta, nil)

	params := template.Params{"action": "channel-delete"}
	v1, err := alpha.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != KindAllow {
		t.Fatalf("alpha: expected allow, got %+v", v1)
	}
	// alpha never calls AfterToolCall: simulates a cancelled call, lock
	// remains until TTL expiry per spec.md §5.

	time.Sleep(5 * time.Millisecond)

	v2, err := beta.BeforeToolCall(ctx, "message", params)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Kind != KindAllow {
		t.Fatalf("beta: expected allow after alpha's lock expired, got %+v", v2)
	}
}

func TestSelfDuplicateDetectionSwitchOff(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore(30 * time.Minute)

	cfg := DefaultConfig("alpha")
	cfg.SelfDuplicateDetection = false
	p := New(classifier, st, cfg, nil)

	params := template.Params{"to": "alice@example.com"}
	if _, err := p.BeforeToolCall(ctx, "email", params); err != nil {
		t.Fatal(err)
	}
	if err := p.AfterToolCall(ctx, "email", params, nil); err != nil {
		t.Fatal(err)
	}

	v, err := p.BeforeToolCall(ctx, "email", params)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAllow {
		t.Fatalf("with self-duplicate detection off, expected allow, got %+v", v)
	}
}

func TestPersistenceFailureBlocks(t *testing.T) {
	ctx := context.Background()
	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	p := New(classifier, failingStore{}, DefaultConfig("alpha"), nil)

	v, err := p.BeforeToolCall(ctx, "message", template.Params{"action": "channel-delete"})
	if err == nil {
		t.Fatal("expected an error from the failing store")
	}
	if v.Kind != KindBlock {
		t.Fatalf("expected block verdict on persistence failure, got %+v", v)
	}
}

func TestAfterToolCallBelowCommitmentTierDoesNothing(t *testing.T) {
	ctx := context.Background()
	p, st := newProcedureForTest(t, "alpha")

	params := template.Params{"path": "/tmp/x"}
	if _, err := p.BeforeToolCall(ctx, "file_write", params); err != nil {
		t.Fatal(err)
	}
	if err := p.AfterToolCall(ctx, "file_write", params, nil); err != nil {
		t.Fatal(err)
	}

	snap, err := st.Status(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Locks) != 0 {
		t.Fatalf("tier-1 calls must never acquire a lock, got %+v", snap.Locks)
	}
}

// failingStore is a store.Store whose every method errors, used to
// exercise the PersistenceError -> block verdict path.
type failingStore struct{}

func (failingStore) AppendJournal(context.Context, store.JournalEntry) error { return errBoom }
func (failingStore) AcquireLock(context.Context, string, string, tier.Level, time.Duration) (bool, error) {
	return false, errBoom
}
func (failingStore) ReleaseLock(context.Context, string, string) error { return errBoom }
func (failingStore) RecordContext(context.Context, string, string, tier.Level, string) error {
	return errBoom
}
func (failingStore) CheckConflict(context.Context, string, string, tier.Level, time.Duration) (store.Conflict, error) {
	return store.Conflict{}, errBoom
}
func (failingStore) FindRecentOnKey(context.Context, string, time.Duration) (*store.JournalEntry, error) {
	return nil, errBoom
}
func (failingStore) Status(context.Context, string) (store.Snapshot, error) {
	return store.Snapshot{}, errBoom
}
func (failingStore) JournalTail(context.Context, int) ([]store.JournalEntry, error) {
	return nil, errBoom
}
func (failingStore) Sweep(context.Context) (store.SweepResult, error) {
	return store.SweepResult{}, errBoom
}
func (failingStore) Close() error { return nil }

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
