package store

import (
	"context"
	"sync"
	"time"

	"github.com/callosum-dev/callosum/internal/tier"
)

const defaultJournalScanLimit = 10000

// MemoryStore is an in-process Store. All three collections live in
// memory behind a single mutex, matching the serialization contract
// every backend must provide. It never loses a journal entry across
// Sweep/rotation, but holds no state across process restarts — it is
// intended for plugin-mode, single-process deployments and for tests.
type MemoryStore struct {
	mu sync.Mutex

	journal []JournalEntry
	locks   map[string]Lock
	records []ContextRecord

	now func() time.Time

	contextWindow time.Duration
}

// NewMemoryStore creates an empty in-memory store. contextWindow bounds
// how long a ContextRecord stays visible to Sweep-driven pruning. Which
// instances count as a "duplicate" for FindRecentOnKey purposes is a
// decision-procedure policy (see internal/decision), not a store
// concern: the store always returns the most recent complete entry on
// a key regardless of instance, per spec.
func NewMemoryStore(contextWindow time.Duration) *MemoryStore {
	if contextWindow <= 0 {
		contextWindow = 30 * time.Minute
	}
	return &MemoryStore{
		locks:         make(map[string]Lock),
		now:           time.Now,
		contextWindow: contextWindow,
	}
}

func (s *MemoryStore) AppendJournal(_ context.Context, entry JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.journal = append(s.journal, entry)
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, instance, key string, t tier.Level, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocksLocked(now)

	existing, ok := s.locks[key]
	if !ok {
		s.locks[key] = Lock{Instance: instance, ContextKey: key, Tier: t, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		return true, nil
	}
	if existing.Instance == instance {
		existing.ExpiresAt = now.Add(ttl)
		existing.Tier = t
		s.locks[key] = existing
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, instance, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[key]; ok && existing.Instance == instance {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) RecordContext(_ context.Context, instance, key string, t tier.Level, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, ContextRecord{
		Instance:   instance,
		ContextKey: key,
		Tier:       t,
		Timestamp:  s.now(),
		Tool:       tool,
	})
	return nil
}

func (s *MemoryStore) CheckConflict(_ context.Context, instance, key string, t tier.Level, contextWindow time.Duration) (Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocksLocked(now)

	if lock, ok := s.locks[key]; ok && lock.Instance != instance {
		return Conflict{HasConflict: true, ConflictWith: lock.Instance, Locked: true}, nil
	}

	if t >= tier.LevelCommitment {
		cutoff := now.Add(-contextWindow)
		for i := len(s.records) - 1; i >= 0; i-- {
			rec := s.records[i]
			if rec.ContextKey != key || rec.Timestamp.Before(cutoff) {
				continue
			}
			if rec.Instance != instance {
				return Conflict{HasConflict: true, ConflictWith: rec.Instance, Locked: false}, nil
			}
		}
	}

	return Conflict{}, nil
}

func (s *MemoryStore) FindRecentOnKey(_ context.Context, key string, window time.Duration) (*JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	start := 0
	if len(s.journal) > defaultJournalScanLimit {
		start = len(s.journal) - defaultJournalScanLimit
	}
	for i := len(s.journal) - 1; i >= start; i-- {
		entry := s.journal[i]
		if entry.Action != ActionComplete || entry.ContextKey != key {
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			return nil, nil
		}
		found := entry
		return &found, nil
	}
	return nil, nil
}

func (s *MemoryStore) Status(_ context.Context, contextKey string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocksLocked(now)

	var snap Snapshot
	for _, lock := range s.locks {
		if contextKey != "" && lock.ContextKey != contextKey {
			continue
		}
		snap.Locks = append(snap.Locks, lock)
	}
	for _, rec := range s.records {
		if contextKey != "" && rec.ContextKey != contextKey {
			continue
		}
		snap.RecentContexts = append(snap.RecentContexts, rec)
	}
	return snap, nil
}

func (s *MemoryStore) JournalTail(_ context.Context, limit int) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	start := 0
	if len(s.journal) > limit {
		start = len(s.journal) - limit
	}
	out := make([]JournalEntry, len(s.journal)-start)
	copy(out, s.journal[start:])
	return out, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := SweepResult{LocksExpired: s.pruneLocksLocked(now)}

	cutoff := now.Add(-s.contextWindow)
	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			result.ContextsPruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept

	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// pruneLocksLocked removes expired locks. Caller must hold s.mu.
func (s *MemoryStore) pruneLocksLocked(now time.Time) int {
	pruned := 0
	for key, lock := range s.locks {
		if lock.Expired(now) {
			delete(s.locks, key)
			pruned++
		}
	}
	return pruned
}
