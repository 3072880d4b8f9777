package busgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestEnterTakesSlot(t *testing.T) {
	g := New()

	res := g.Enter("codex", "s1", "task-1", EnterOptions{})
	assert.True(t, res.OK)
	assert.False(t, res.Pooled)
	assert.Equal(t, "s1", g.ActiveSession("codex"))
}

func TestEnterReentrantSameSession(t *testing.T) {
	g := New()

	g.Enter("codex", "s1", "task-1", EnterOptions{})
	res := g.Enter("codex", "s1", "task-1", EnterOptions{})
	assert.True(t, res.OK)
	assert.False(t, res.Pooled)
}

func TestEnterBusyRoutesThroughPool(t *testing.T) {
	g := New()

	g.Enter("codex", "s1", "task-1", EnterOptions{})
	res := g.Enter("codex", "s2", "task-2", EnterOptions{})
	assert.True(t, res.OK)
	assert.True(t, res.Pooled, "contending session must go to the pool")
	assert.Equal(t, "s1", g.ActiveSession("codex"), "slot holder unchanged")
}

func TestExitClearsOnlyMatchingSession(t *testing.T) {
	g := New()

	g.Enter("codex", "s1", "task-1", EnterOptions{})
	g.Exit("codex", "s2", OutcomeSuccess)
	assert.Equal(t, "s1", g.ActiveSession("codex"))

	g.Exit("codex", "s1", OutcomeSuccess)
	assert.Empty(t, g.ActiveSession("codex"))
}

// S6: a cooling adapter rejects a regular task but admits monitor-monitor.
func TestCooldownAndMonitorMonitorBypass(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })

	g.Enter("codex", "s1", "task-1", EnterOptions{})
	g.Exit("codex", "s1", OutcomeTransientFailure)

	res := g.Enter("codex", "s2", "task-X", EnterOptions{})
	assert.False(t, res.OK)
	assert.Equal(t, "Cooling down: codex", res.Reason)

	res = g.Enter("codex", "s3", "monitor-monitor", EnterOptions{})
	assert.True(t, res.OK, "health check bypasses cooldown")
}

func TestMonitorMonitorTrimsWhitespace(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })
	g.Exit("codex", "", OutcomeTransientFailure)

	res := g.Enter("codex", "s1", "  monitor-monitor \t", EnterOptions{})
	assert.True(t, res.OK)
}

func TestExplicitIgnoreCooldownTrue(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })
	g.Exit("codex", "", OutcomeTransientFailure)

	res := g.Enter("codex", "s1", "task-X", EnterOptions{IgnoreSDKCooldown: boolPtr(true)})
	assert.True(t, res.OK)
}

func TestExplicitIgnoreCooldownFalseDisablesBypass(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })
	g.Exit("codex", "", OutcomeTransientFailure)

	res := g.Enter("codex", "s1", "monitor-monitor", EnterOptions{IgnoreSDKCooldown: boolPtr(false)})
	assert.False(t, res.OK)
	assert.Equal(t, "Cooling down: codex", res.Reason)
}

func TestCooldownExpires(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })
	g.Exit("codex", "", OutcomeTransientFailure)

	cooling, until := g.CoolingDown("codex")
	assert.True(t, cooling)
	assert.True(t, until.After(now))

	now = now.Add(time.Hour)
	res := g.Enter("codex", "s1", "task-X", EnterOptions{})
	assert.True(t, res.OK)
}

func TestBackoffDoublesWithCap(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoff(1))
	assert.Equal(t, time.Minute, backoff(2))
	assert.Equal(t, 2*time.Minute, backoff(3))
	assert.Equal(t, backoffCap, backoff(10))
	assert.Equal(t, backoffCap, backoff(100))
}

func TestSuccessResetsBackoffStreak(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })

	g.Exit("codex", "", OutcomeTransientFailure)
	g.Exit("codex", "", OutcomeTransientFailure)
	g.Exit("codex", "", OutcomeSuccess)

	cooling, _ := g.CoolingDown("codex")
	assert.False(t, cooling, "success clears the cooldown")

	// The next transient failure starts over at the base backoff.
	g.Exit("codex", "", OutcomeTransientFailure)
	_, until := g.CoolingDown("codex")
	assert.Equal(t, now.Add(30*time.Second), until)
}

func TestAdaptersIndependent(t *testing.T) {
	now := time.Now()
	g := NewWithClock(func() time.Time { return now })
	g.Exit("codex", "", OutcomeTransientFailure)

	res := g.Enter("claude", "s1", "task-X", EnterOptions{})
	assert.True(t, res.OK, "cooldown on one adapter must not leak to another")
}
