package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/callosum-dev/callosum/internal/tier"
)

func newFileStoreForTest(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileStoreAcquireReleaseRoundTrip(t *testing.T) {
	s := newFileStoreForTest(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "alpha", "email:alice", tier.LevelCommitment, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseLock(ctx, "alpha", "email:alice"); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Status(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Locks) != 0 {
		t.Fatalf("expected empty lock table after release, got %+v", snap.Locks)
	}
}

func TestFileStoreSurvivesReopenAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s1.AcquireLock(ctx, "alpha", "k", tier.LevelIrreversible, 5*time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: %v %v", ok, err)
	}
	if err := s1.AppendJournal(ctx, JournalEntry{Action: ActionIntercept, Instance: "alpha", ContextKey: "k"}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStore(dir, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s2.AcquireLock(ctx, "beta", "k", tier.LevelIrreversible, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected beta's acquire to fail: alpha's lock persisted on disk")
	}

	tail, err := s2.JournalTail(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Instance != "alpha" {
		t.Fatalf("expected journal entry to survive reopen, got %+v", tail)
	}
}

func TestFileStoreAcquireTwiceSameInstanceRefreshes(t *testing.T) {
	s := newFileStoreForTest(t)
	ctx := context.Background()

	ok1, _ := s.AcquireLock(ctx, "alpha", "k", tier.LevelCommitment, 5*time.Minute)
	ok2, _ := s.AcquireLock(ctx, "alpha", "k", tier.LevelCommitment, 5*time.Minute)
	if !ok1 || !ok2 {
		t.Fatalf("expected both acquires to succeed: %v %v", ok1, ok2)
	}
	snap, _ := s.Status(ctx, "")
	if len(snap.Locks) != 1 {
		t.Fatalf("expected exactly one lock, got %d", len(snap.Locks))
	}
}

func TestFileStoreCheckConflictNeverFlagsSelf(t *testing.T) {
	s := newFileStoreForTest(t)
	ctx := context.Background()

	s.AcquireLock(ctx, "alpha", "k", tier.LevelIrreversible, 5*time.Minute)
	conflict, err := s.CheckConflict(ctx, "alpha", "k", tier.LevelIrreversible, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if conflict.HasConflict {
		t.Fatal("same instance holding its own lock must never be a conflict")
	}
}

func TestFileStoreCheckConflictContextRecordOtherInstance(t *testing.T) {
	s := newFileStoreForTest(t)
	ctx := context.Background()

	if err := s.RecordContext(ctx, "alpha", "k", tier.LevelRoutine, "message"); err != nil {
		t.Fatal(err)
	}
	conflict, err := s.CheckConflict(ctx, "beta", "k", tier.LevelCommitment, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !conflict.HasConflict || conflict.Locked {
		t.Fatalf("expected unlocked context conflict, got %+v", conflict)
	}
}

func TestFileStoreFindRecentOnKeyHonorsWindow(t *testing.T) {
	s := newFileStoreForTest(t)
	fixed := time.Now()
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := s.AppendJournal(ctx, JournalEntry{Action: ActionComplete, ContextKey: "k", Instance: "alpha"}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return fixed.Add(2 * time.Hour) }
	entry, err := s.FindRecentOnKey(ctx, "k", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expected no entry within window, got %+v", entry)
	}

	entry, err = s.FindRecentOnKey(ctx, "k", 3*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected entry within wider window")
	}
}

func TestFileStoreJournalMonotonicAppendOnly(t *testing.T) {
	s := newFileStoreForTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendJournal(ctx, JournalEntry{Action: ActionIntercept, Instance: "alpha"}); err != nil {
			t.Fatal(err)
		}
	}
	tail, err := s.JournalTail(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(tail))
	}
	if err := s.AppendJournal(ctx, JournalEntry{Action: ActionComplete, Instance: "alpha"}); err != nil {
		t.Fatal(err)
	}
	tail2, err := s.JournalTail(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail2) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(tail2))
	}
	for i := range tail {
		if tail[i] != tail2[i] {
			t.Fatalf("entry %d mutated: %+v vs %+v", i, tail[i], tail2[i])
		}
	}
}

func TestFileStoreSweepPrunesExpiredLocksAndOldContextRecords(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Now()
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	s.AcquireLock(ctx, "alpha", "k1", tier.LevelCommitment, time.Millisecond)
	s.RecordContext(ctx, "alpha", "k2", tier.LevelRoutine, "message")

	s.now = func() time.Time { return fixed.Add(time.Hour) }
	result, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.LocksExpired != 1 {
		t.Fatalf("expected 1 expired lock pruned, got %d", result.LocksExpired)
	}
	if result.ContextsPruned != 1 {
		t.Fatalf("expected 1 context record pruned, got %d", result.ContextsPruned)
	}
}

func TestFileStoreJournalRotatesPastThreshold(t *testing.T) {
	s := newFileStoreForTest(t)
	s.rotateBytes = 200 // force rotation quickly
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := s.AppendJournal(ctx, JournalEntry{Action: ActionIntercept, Instance: "alpha", Tool: "message-with-a-reasonably-long-tool-name"}); err != nil {
			t.Fatal(err)
		}
	}

	rotated := filepath.Join(s.dir, "journal.1")
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected rotated journal file to exist: %v", err)
	}

	tail, err := s.JournalTail(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) == 0 {
		t.Fatal("expected entries to still be readable from the active journal after rotation")
	}
}
