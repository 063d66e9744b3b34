// Package decision implements the Decision Procedure: the state
// machine that turns a before/after tool-call event pair into an
// allow/warn/pause/block verdict by consulting the tier classifier
// and the coordination store.
package decision

import (
	"time"

	"github.com/callosum-dev/callosum/internal/tier"
)

// Kind is the verdict category returned from a pre-call decision.
type Kind string

const (
	KindAllow Kind = "allow"
	KindPause Kind = "pause"
	KindBlock Kind = "block"
)

// Verdict is the outcome of a before_tool_call decision. A pause or
// block carries a human-readable Reason naming the conflicting
// instance, the context key, and the tier, per spec.md §7's
// user-visible failure contract. An allow verdict may still carry a
// non-empty Warning when a tier-3 conflict or lock race was detected
// but did not rise to a hard block.
type Verdict struct {
	Kind       Kind
	Tier       tier.Level
	ContextKey string
	RuleName   string
	Reason     string
	Warning    string
}

// Blocked reports whether the tool call must not proceed. Both Pause
// and Block refuse execution at the transport; only the framing of
// Reason differs (informational vs. refusal), per spec.md §9's
// "pause vs block" note.
func (v Verdict) Blocked() bool {
	return v.Kind == KindPause || v.Kind == KindBlock
}

// Config holds the tunables spec.md §6 names for the gate's
// configuration surface (lockExpiryMs, recentWindowMs, instanceId),
// plus the duplicate-detection policy switch spec.md §9's second Open
// Question asks for.
type Config struct {
	// Instance disambiguates concurrent sessions of the same logical
	// agent; required.
	Instance string

	// LockTTL bounds the blast radius of a crashed session. Default 5m.
	LockTTL time.Duration

	// ContextWindow bounds cross-session conflict visibility for tier
	// 3+ checkConflict context-record scans. Default 30m.
	ContextWindow time.Duration

	// DefaultDuplicateWindow is used by findRecentOnKey when a rule
	// does not specify its own RecentWindow. Default 1h.
	DefaultDuplicateWindow time.Duration

	// SelfDuplicateDetection matches spec.md §9's resolved Open
	// Question: duplicate detection by default matches ANY instance
	// including self. Setting this false restores the "others only"
	// policy for operators who want it.
	SelfDuplicateDetection bool

	// MaxSupplementalContext bounds how many additional recent tier-3+
	// actions are cited as supplemental context in a pause reason.
	MaxSupplementalContext int
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig(instance string) Config {
	return Config{
		Instance:               instance,
		LockTTL:                5 * time.Minute,
		ContextWindow:          30 * time.Minute,
		DefaultDuplicateWindow: time.Hour,
		SelfDuplicateDetection: true,
		MaxSupplementalContext: 3,
	}
}
