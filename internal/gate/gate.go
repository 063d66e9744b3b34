// Package gate wires the tier classifier, the coordination store, and
// the decision procedure into the hook surface an agent runtime calls
// directly in plugin mode: before_tool_call and after_tool_call.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/callosum-dev/callosum/internal/config"
	"github.com/callosum-dev/callosum/internal/decision"
	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/template"
	"github.com/callosum-dev/callosum/internal/tier"
)

// Result is returned from BeforeToolCall, mirroring the hook contract
// of spec.md §6: nil means allow, a non-nil Result with Block set
// means the runtime must not invoke the tool.
type Result struct {
	Block       bool
	BlockReason string
	Warning     string
	Tier        tier.Level
	ContextKey  string
}

// Gate is the single entry point a plugin-mode integration holds for
// the lifetime of a session. It owns the compiled classifier, the
// coordination store, and the decision procedure built from it.
type Gate struct {
	procedure *decision.Procedure
	store     store.Store
	logger    *slog.Logger
}

// Open loads the rule file and configuration-selected store backend
// and returns a ready Gate. The caller is responsible for calling
// Close when the gate is no longer needed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	rules := tier.DefaultRules()
	if rf, err := tier.LoadRuleFile(cfg.Rules.Path); err == nil {
		rules = rf.Rules
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load rule file %s: %w", cfg.Rules.Path, err)
	}

	classifier, err := tier.Compile(rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dcfg := decision.DefaultConfig(cfg.InstanceID)
	dcfg.LockTTL = cfg.LockExpiry()
	dcfg.ContextWindow = cfg.RecentWindow()

	return &Gate{
		procedure: decision.New(classifier, st, dcfg, logger),
		store:     st,
		logger:    logger,
	}, nil
}

// OpenStore opens the coordination store backend selected by
// cfg.Store.Backend. Exposed so the CLI can talk to the same store a
// local plugin-mode gate would, without needing a full Gate.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return openStore(ctx, cfg)
}

// New builds a Gate directly from an already-compiled classifier and
// an already-open store, bypassing Open's config-driven rule-file and
// store-backend resolution. Callers that already hold those pieces
// (the demo driver, tests) use this instead of Open.
func New(classifier *tier.Classifier, st store.Store, instance string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := decision.DefaultConfig(instance)
	return &Gate{
		procedure: decision.New(classifier, st, cfg, logger),
		store:     st,
		logger:    logger,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return store.NewFileStore(cfg.StateDir, cfg.RecentWindow())
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN, nil)
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Store.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// reloadDrainTimeout bounds how long Reload waits for in-flight calls
// to settle before swapping the classifier anyway.
const reloadDrainTimeout = 2 * time.Second

// Reload swaps in a freshly compiled rule list, used by the rule file
// watcher on a successful reparse. It first gives any in-flight
// before/after pair up to reloadDrainTimeout to finish, so a reload
// never lands mid-call; the swap itself proceeds regardless, since it
// is always lock-free and safe to apply.
func (g *Gate) Reload(classifier *tier.Classifier) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadDrainTimeout)
	defer cancel()
	if !g.procedure.Drain(ctx) {
		g.logger.Warn("rule reload proceeding before in-flight calls drained")
	}
	g.procedure.Reload(classifier)
}

// Store exposes the underlying coordination store for the status/
// journal RPCs and the maintenance sweeper.
func (g *Gate) Store() store.Store {
	return g.store
}

// Close releases the store's resources (file handles, DB connections).
func (g *Gate) Close() error {
	return g.store.Close()
}

// BeforeToolCall implements the before_tool_call hook: toolName and
// params come directly off the runtime's tool-call event. A nil
// result means allow; callers invoke the tool as requested. A non-nil
// result with Block true means the runtime must refuse the call and
// surface BlockReason to the calling agent verbatim.
func (g *Gate) BeforeToolCall(ctx context.Context, toolName string, params map[string]any) (*Result, error) {
	verdict, err := g.procedure.BeforeToolCall(ctx, toolName, template.Params(params))
	if err != nil {
		return &Result{Block: true, BlockReason: verdict.Reason, Tier: verdict.Tier, ContextKey: verdict.ContextKey}, err
	}
	if verdict.Blocked() {
		return &Result{
			Block:       true,
			BlockReason: verdict.Reason,
			Tier:        verdict.Tier,
			ContextKey:  verdict.ContextKey,
		}, nil
	}
	if verdict.Warning != "" {
		return &Result{Warning: verdict.Warning, Tier: verdict.Tier, ContextKey: verdict.ContextKey}, nil
	}
	return nil, nil
}

// AfterToolCall implements the after_tool_call hook. callErr is the
// error the tool invocation itself returned, if any, and distinguishes
// a completed action from a failed one for duplicate-detection
// purposes; it is unrelated to errors returned by AfterToolCall.
func (g *Gate) AfterToolCall(ctx context.Context, toolName string, params map[string]any, callErr error) error {
	return g.procedure.AfterToolCall(ctx, toolName, template.Params(params), callErr)
}
