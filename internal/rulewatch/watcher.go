// Package rulewatch watches the rule file on disk and hot-swaps the
// classifier behind a running gate or server whenever it changes
// without bouncing the process.
package rulewatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/callosum-dev/callosum/internal/tier"
)

// Reloader is the subset of gate.Gate/server.Server the watcher needs:
// swap in a freshly compiled classifier. Both types already drain
// in-flight calls internally before applying the swap.
type Reloader interface {
	Reload(classifier *tier.Classifier)
}

// Watcher watches a single rule file's containing directory (rather
// than the file itself, so an editor's rename-over-write save pattern
// is still observed) and reloads r whenever the file is rewritten with
// a rule set that compiles cleanly.
type Watcher struct {
	path     string
	reloader Reloader
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithLogger sets the logger used for reload successes and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithDebounce overrides the default 250ms debounce window collapsing
// bursts of filesystem events (common with editors that write via a
// temp file plus rename) into a single reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a Watcher over the rule file at path. It does not start
// watching until Start is called.
func New(path string, reloader Reloader, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		reloader: reloader,
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.debounce <= 0 {
		w.debounce = 250 * time.Millisecond
	}
	return w
}

// Start begins watching. Idempotent: calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule file watch error", "error", err)
		}
	}
}

// reload parses and compiles the candidate rule file without touching
// any live state; only a clean compile reaches Reloader.Reload. A bad
// edit to the rule file logs a warning and leaves the previous
// compiled rule set serving traffic.
func (w *Watcher) reload() {
	rf, err := tier.LoadRuleFile(w.path)
	if err != nil {
		w.logger.Error("rule file reload: parse failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	classifier, err := tier.Compile(rf.Rules)
	if err != nil {
		w.logger.Error("rule file reload: compile failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	w.reloader.Reload(classifier)
	w.logger.Info("rule file reloaded", "path", w.path, "rules", len(rf.Rules))
}
