// Package busgate guards SDK adapters: at most one active session per
// adapter, transient-failure cooldowns with exponential backoff, and a
// deliberate bypass for the orchestrator's own monitor-monitor health check,
// which must never be blockable by a stuck cooldown.
package busgate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MonitorMonitorKey is the task key of the orchestrator's self-health-check.
// Comparison trims surrounding whitespace.
const MonitorMonitorKey = "monitor-monitor"

// Backoff bounds for transient-failure cooldowns.
const (
	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
)

// Outcome classifies how a session ended.
type Outcome int

// Session outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
	OutcomeCancelled
)

// PooledExecutor is the external worker pool the gate routes contending
// requests through. The pool owns its own concurrency; the gate never blocks
// a caller on a busy adapter.
type PooledExecutor interface {
	ExecPooled(ctx context.Context, prompt string, sdk string) (string, error)
}

// EnterOptions tunes one admission request.
type EnterOptions struct {
	// IgnoreSDKCooldown is tri-state. Explicit true always bypasses the
	// cooldown; explicit false disables even the monitor-monitor bypass;
	// nil leaves the bypass to the task key.
	IgnoreSDKCooldown *bool
}

// EnterResult reports an admission decision.
type EnterResult struct {
	// OK is false only when the adapter is cooling down and no bypass
	// applies.
	OK bool

	// Reason is set when OK is false, e.g. "Cooling down: codex".
	Reason string

	// Pooled is true when the adapter was busy with another session and the
	// caller must route through the pool instead of holding the slot.
	Pooled bool
}

// adapterState is the per-SDK gate record.
type adapterState struct {
	activeSessionID   string
	cooldownUntil     time.Time
	transientFailures int
}

// Gate is the adapter admission guard. One Gate serves all adapters.
type Gate struct {
	mu       sync.Mutex
	adapters map[string]*adapterState
	now      func() time.Time
}

// New creates a Gate.
func New() *Gate {
	return &Gate{
		adapters: make(map[string]*adapterState),
		now:      time.Now,
	}
}

// NewWithClock creates a Gate with an injected clock (tests).
func NewWithClock(now func() time.Time) *Gate {
	g := New()
	g.now = now
	return g
}

// state returns the adapter record, creating it on first use.
func (g *Gate) state(sdk string) *adapterState {
	s, ok := g.adapters[sdk]
	if !ok {
		s = &adapterState{}
		g.adapters[sdk] = s
	}
	return s
}

// bypassesCooldown evaluates the escape hatch: explicit opt-in always wins,
// the monitor-monitor task key wins unless explicitly opted out.
func bypassesCooldown(taskKey string, opts EnterOptions) bool {
	if opts.IgnoreSDKCooldown != nil && *opts.IgnoreSDKCooldown {
		return true
	}
	if strings.TrimSpace(taskKey) == MonitorMonitorKey {
		return opts.IgnoreSDKCooldown == nil || *opts.IgnoreSDKCooldown
	}
	return false
}

// Enter requests the adapter slot for a session. A cooling adapter rejects
// unless bypassed; a busy adapter admits via the pool path without taking
// the slot. Re-entry by the holder is idempotent.
func (g *Gate) Enter(sdk, sessionID, taskKey string, opts EnterOptions) EnterResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(sdk)
	now := g.now()

	if s.cooldownUntil.After(now) && !bypassesCooldown(taskKey, opts) {
		return EnterResult{OK: false, Reason: fmt.Sprintf("Cooling down: %s", sdk)}
	}

	if s.activeSessionID != "" && s.activeSessionID != sessionID {
		return EnterResult{OK: true, Pooled: true}
	}

	s.activeSessionID = sessionID
	return EnterResult{OK: true}
}

// Exit releases the slot if sessionID holds it and applies the outcome: a
// transient failure starts (or extends) an exponential cooldown; success
// resets the failure streak.
func (g *Gate) Exit(sdk, sessionID string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(sdk)
	if s.activeSessionID == sessionID {
		s.activeSessionID = ""
	}

	switch outcome {
	case OutcomeSuccess:
		s.transientFailures = 0
		s.cooldownUntil = time.Time{}
	case OutcomeTransientFailure:
		s.transientFailures++
		s.cooldownUntil = g.now().Add(backoff(s.transientFailures))
	}
}

// backoff doubles from the base per consecutive transient failure, capped.
func backoff(k int) time.Duration {
	d := backoffBase
	for i := 1; i < k; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// CoolingDown reports whether the adapter currently rejects non-bypassed
// admissions, and until when.
func (g *Gate) CoolingDown(sdk string) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(sdk)
	if s.cooldownUntil.After(g.now()) {
		return true, s.cooldownUntil
	}
	return false, time.Time{}
}

// ActiveSession returns the session currently holding the adapter slot.
func (g *Gate) ActiveSession(sdk string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state(sdk).activeSessionID
}
