package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/template"
	"github.com/callosum-dev/callosum/internal/tier"
)

// Procedure is the Decision Procedure of spec.md §4.4: it orchestrates
// the classifier and the store on each before/after tool-call event.
// A single Procedure is safe for concurrent use; the store it wraps
// provides the actual serialization point (spec.md §5: "the decision
// procedure is single-threaded per store").
type Procedure struct {
	classifier atomic.Pointer[tier.Classifier]
	store      store.Store
	cfg        Config
	logger     *slog.Logger

	pendingMu sync.Mutex
	pending   map[string][]pendingIntercept

	inflight sync.WaitGroup
}

type pendingIntercept struct {
	result tier.Result
	at     time.Time
}

// New builds a Procedure over a compiled classifier and a store.
func New(classifier *tier.Classifier, st store.Store, cfg Config, logger *slog.Logger) *Procedure {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Procedure{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string][]pendingIntercept),
	}
	p.classifier.Store(classifier)
	return p
}

// Reload atomically swaps the compiled rule set. Per spec.md §9's
// resolved Open Question, callers (gate.Gate.Reload and
// server.Server.Reload) are responsible for draining in-flight
// before/after pairs before calling Reload;
// Procedure itself only guarantees the swap is visible to every call
// that starts after it returns.
func (p *Procedure) Reload(classifier *tier.Classifier) {
	p.classifier.Store(classifier)
}

// Drain blocks until every BeforeToolCall/AfterToolCall currently in
// flight returns, or until ctx is done, whichever comes first. It
// reports whether the drain completed cleanly. gate.Gate.Reload and
// server.Server.Reload call this before Reload so a rule swap never
// lands mid-call.
func (p *Procedure) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// BeforeToolCall implements spec.md §4.4's pre-call steps 1-5.
func (p *Procedure) BeforeToolCall(ctx context.Context, tool string, params template.Params) (Verdict, error) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	result, clsErr := p.classifier.Load().Classify(tool, params)
	if clsErr != nil {
		p.logger.Warn("classification error, degraded to tier 0", "tool", tool, "error", clsErr)
	}

	digest := digestParams(params)
	traceID, spanID := traceIDs(ctx)

	intercept := store.JournalEntry{
		Instance:     p.cfg.Instance,
		Tool:         tool,
		Tier:         result.Tier,
		RuleName:     result.RuleName,
		ContextKey:   result.ContextKey,
		Action:       store.ActionIntercept,
		ParamsDigest: digest,
		TraceID:      traceID,
		SpanID:       spanID,
	}
	if err := p.store.AppendJournal(ctx, intercept); err != nil {
		return p.persistenceFailure(result, "append intercept journal entry", err)
	}

	p.pushPending(p.cfg.Instance, tool, digest, result)

	if result.Tier >= tier.LevelRoutine && result.ContextKey != "" {
		if err := p.store.RecordContext(ctx, p.cfg.Instance, result.ContextKey, result.Tier, tool); err != nil {
			return p.persistenceFailure(result, "record context", err)
		}
	}

	if result.Tier >= tier.LevelCommitment && result.ContextKey != "" {
		verdict, err := p.enforceCommitmentTier(ctx, tool, result)
		if err != nil {
			return p.persistenceFailure(result, "enforce commitment-tier checks", err)
		}
		return verdict, nil
	}

	return Verdict{Kind: KindAllow, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName}, nil
}

// enforceCommitmentTier implements step 4 of spec.md §4.4: duplicate
// detection, then conflict check, then lock acquisition. The returned
// Verdict is either a pause, a tier-4 block, or an allow that may
// still carry a non-fatal Warning (a tier-3 conflict or a lost
// lock-acquire race that did not rise to a hard block).
func (p *Procedure) enforceCommitmentTier(ctx context.Context, tool string, result tier.Result) (verdict Verdict, err error) {
	window := result.RecentWindow
	if window <= 0 {
		window = p.cfg.DefaultDuplicateWindow
	}

	recent, err := p.store.FindRecentOnKey(ctx, result.ContextKey, window)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s: %w", "find recent on key", err)
	}
	if recent != nil && (p.cfg.SelfDuplicateDetection || recent.Instance != p.cfg.Instance) {
		reason := p.pauseReason(ctx, result, *recent)
		blocked := store.JournalEntry{
			Instance:     p.cfg.Instance,
			Tool:         tool,
			Tier:         result.Tier,
			RuleName:     result.RuleName,
			ContextKey:   result.ContextKey,
			Action:       store.ActionBlocked,
			ConflictNote: reason,
		}
		if err := p.store.AppendJournal(ctx, blocked); err != nil {
			return Verdict{}, fmt.Errorf("%s: %w", "append blocked journal entry", err)
		}
		return Verdict{Kind: KindPause, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason}, nil
	}

	conflict, err := p.store.CheckConflict(ctx, p.cfg.Instance, result.ContextKey, result.Tier, p.cfg.ContextWindow)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s: %w", "check conflict", err)
	}

	var warning string
	if conflict.HasConflict {
		if result.Tier == tier.LevelIrreversible {
			reason := p.blockReason(result, conflict.ConflictWith)
			blocked := store.JournalEntry{
				Instance:     p.cfg.Instance,
				Tool:         tool,
				Tier:         result.Tier,
				RuleName:     result.RuleName,
				ContextKey:   result.ContextKey,
				Action:       store.ActionBlocked,
				ConflictNote: reason,
			}
			if err := p.store.AppendJournal(ctx, blocked); err != nil {
				return Verdict{}, fmt.Errorf("%s: %w", "append blocked journal entry", err)
			}
			return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason}, nil
		}
		warning = fmt.Sprintf("tier-3 conflict with instance %q on context key %q proceeding anyway", conflict.ConflictWith, result.ContextKey)
		p.logger.Warn("proceeding despite tier-3 conflict", "contextKey", result.ContextKey, "conflictWith", conflict.ConflictWith)
	}

	acquired, err := p.store.AcquireLock(ctx, p.cfg.Instance, result.ContextKey, result.Tier, p.cfg.LockTTL)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s: %w", "acquire lock", err)
	}
	if !acquired {
		if result.Tier == tier.LevelIrreversible {
			reason := p.blockReason(result, "") // holder identity already reflected in the prior checkConflict branch when known
			blocked := store.JournalEntry{
				Instance:     p.cfg.Instance,
				Tool:         tool,
				Tier:         result.Tier,
				RuleName:     result.RuleName,
				ContextKey:   result.ContextKey,
				Action:       store.ActionBlocked,
				ConflictNote: reason,
			}
			if err := p.store.AppendJournal(ctx, blocked); err != nil {
				return Verdict{}, fmt.Errorf("%s: %w", "append blocked journal entry", err)
			}
			return Verdict{Kind: KindBlock, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Reason: reason}, nil
		}
		warning = fmt.Sprintf("lost lock-acquire race on context key %q, proceeding without a lock", result.ContextKey)
		p.logger.Warn("proceeding without lock after losing acquire race", "contextKey", result.ContextKey)
	}

	return Verdict{Kind: KindAllow, Tier: result.Tier, ContextKey: result.ContextKey, RuleName: result.RuleName, Warning: warning}, nil
}

// AfterToolCall implements spec.md §4.4's post-call steps. It uses the
// snapshotted pre-call classification when available (spec.md §9's
// resolved Open Question: threading intercept state through to
// post-call prevents a rule reload between the two events from
// stranding a lock under a key it was never acquired on) and falls
// back to a fresh classification only if no snapshot is found (e.g.
// after a process restart).
func (p *Procedure) AfterToolCall(ctx context.Context, tool string, params template.Params, callErr error) error {
	p.inflight.Add(1)
	defer p.inflight.Done()

	digest := digestParams(params)

	fresh, clsErr := p.classifier.Load().Classify(tool, params)
	if clsErr != nil {
		p.logger.Warn("post-call classification error", "tool", tool, "error", clsErr)
	}

	effective := fresh
	if snapshot, ok := p.popPending(p.cfg.Instance, tool, digest); ok {
		if snapshot.Tier != fresh.Tier || snapshot.ContextKey != fresh.ContextKey {
			p.logger.Warn("pre/post-call classification diverged; using pre-call snapshot",
				"tool", tool, "preTier", snapshot.Tier, "postTier", fresh.Tier,
				"preContextKey", snapshot.ContextKey, "postContextKey", fresh.ContextKey)
		}
		effective = snapshot
	}

	if effective.Tier < tier.LevelCommitment || effective.ContextKey == "" {
		return nil
	}

	action := store.ActionComplete
	if callErr != nil {
		action = store.ActionFailed
	}
	traceID, spanID := traceIDs(ctx)
	entry := store.JournalEntry{
		Instance:   p.cfg.Instance,
		Tool:       tool,
		Tier:       effective.Tier,
		RuleName:   effective.RuleName,
		ContextKey: effective.ContextKey,
		Action:     action,
		TraceID:    traceID,
		SpanID:     spanID,
	}
	if err := p.store.AppendJournal(ctx, entry); err != nil {
		return fmt.Errorf("append completion journal entry: %w", err)
	}
	if err := p.store.ReleaseLock(ctx, p.cfg.Instance, effective.ContextKey); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (p *Procedure) persistenceFailure(result tier.Result, action string, cause error) (Verdict, error) {
	err := fmt.Errorf("%s: %w", action, cause)
	p.logger.Error("persistence failure, blocking call", "action", action, "error", cause)
	return Verdict{
		Kind:       KindBlock,
		Tier:       result.Tier,
		ContextKey: result.ContextKey,
		RuleName:   result.RuleName,
		Reason:     fmt.Sprintf("blocked: %s failed: %v", action, cause),
	}, err
}

// pauseReason builds the structured blockReason a pause verdict
// carries: the recent same-context action, up to MaxSupplementalContext
// other recent tier-3+ actions, and a retry instruction, per spec.md
// §7's user-visible failure contract.
func (p *Procedure) pauseReason(ctx context.Context, result tier.Result, recent store.JournalEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "already done: instance %q completed a %q action on context key %q at %s (tier %d, rule %q); ",
		recent.Instance, recent.Tool, result.ContextKey, recent.Timestamp.Format(time.RFC3339), recent.Tier, recent.RuleName)

	if snap, err := p.store.Status(ctx, ""); err == nil {
		var supplemental []string
		for _, rec := range snap.RecentContexts {
			if rec.ContextKey == result.ContextKey || rec.Tier < tier.LevelCommitment {
				continue
			}
			supplemental = append(supplemental, fmt.Sprintf("%s on %q by %q at %s", rec.Tool, rec.ContextKey, rec.Instance, rec.Timestamp.Format(time.RFC3339)))
			if len(supplemental) >= p.cfg.MaxSupplementalContext {
				break
			}
		}
		if len(supplemental) > 0 {
			fmt.Fprintf(&b, "other recent related actions: %s; ", strings.Join(supplemental, "; "))
		}
	}

	b.WriteString("retry only if this call is genuinely distinct from the one already recorded.")
	return b.String()
}

// blockReason builds the structured blockReason a hard block carries:
// the conflicting instance, the context key, and the tier.
func (p *Procedure) blockReason(result tier.Result, conflictWith string) string {
	if conflictWith == "" {
		return fmt.Sprintf("blocked: lost the advisory lock race on context key %q (tier %d, rule %q)", result.ContextKey, result.Tier, result.RuleName)
	}
	return fmt.Sprintf("blocked: instance %q holds context key %q (tier %d, rule %q)", conflictWith, result.ContextKey, result.Tier, result.RuleName)
}

func (p *Procedure) pushPending(instance, tool, digest string, result tier.Result) {
	key := pendingKey(instance, tool, digest)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending[key] = append(p.pending[key], pendingIntercept{result: result, at: time.Now()})
}

func (p *Procedure) popPending(instance, tool, digest string) (tier.Result, bool) {
	key := pendingKey(instance, tool, digest)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	stack := p.pending[key]
	if len(stack) == 0 {
		return tier.Result{}, false
	}
	last := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(p.pending, key)
	} else {
		p.pending[key] = stack
	}
	return last.result, true
}

func pendingKey(instance, tool, digest string) string {
	return instance + "|" + tool + "|" + digest
}

// digestParams hashes the tool parameters to correlate a pre-call
// intercept with its matching post-call event, and for the journal's
// optional paramsDigest field. json.Marshal sorts map keys, so the
// digest is stable across calls with identically-valued params.
func digestParams(params template.Params) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func traceIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
