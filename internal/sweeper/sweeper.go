// Package sweeper runs the periodic maintenance pass that keeps the
// coordination store tidy between reads: expired locks and stale
// context records are the authoritative store's responsibility to
// prune lazily, but a background sweep makes that pruning observable
// and proactive instead of only happening on the next caller's lookup.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/callosum-dev/callosum/internal/store"
)

// Option configures a Sweeper at construction time.
type Option func(*Sweeper)

// WithLogger sets the logger used for sweep failures and summaries.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithOnResult registers a callback invoked after every successful
// sweep, normally wired to the server's metrics recorder.
func WithOnResult(fn func(store.SweepResult)) Option {
	return func(s *Sweeper) { s.onResult = fn }
}

// Sweeper drives store.Store.Sweep on a fixed interval via a cron
// entry rather than a raw ticker, so the schedule reads the same way
// an operator would configure any other periodic job in this system.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	logger   *slog.Logger
	onResult func(store.SweepResult)

	mu      sync.Mutex
	started bool
	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a Sweeper over st, sweeping every interval. A
// non-positive interval falls back to 30 seconds.
func New(st store.Store, interval time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	return s
}

// Start schedules the recurring sweep. Idempotent: calling Start on
// an already-started Sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	id, err := c.AddFunc(spec, func() { s.runLogged(ctx) })
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}
	c.Start()

	s.cron = c
	s.entryID = id
	s.started = true
	return nil
}

// Stop cancels the recurring sweep and waits for any sweep in
// progress to finish, or for ctx to be done, whichever comes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.started = false
	return nil
}

// RunOnce runs a single sweep immediately, bypassing the schedule.
// Tests use this to avoid waiting on a real interval.
func (s *Sweeper) RunOnce(ctx context.Context) (store.SweepResult, error) {
	result, err := s.store.Sweep(ctx)
	if err != nil {
		return store.SweepResult{}, err
	}
	if s.onResult != nil {
		s.onResult(result)
	}
	return result, nil
}

func (s *Sweeper) runLogged(ctx context.Context) {
	result, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Error("maintenance sweep failed", "error", err)
		return
	}
	s.logger.Debug("maintenance sweep complete",
		"locksExpired", result.LocksExpired,
		"contextsPruned", result.ContextsPruned,
		"journalRotated", result.JournalRotated,
	)
	if s.onResult != nil {
		s.onResult(result)
	}
}
