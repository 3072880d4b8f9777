package logger

import (
	"fmt"
	"sync"
	"time"
)

// MinThrottleWindow is the floor for throttle windows. Configured windows
// below this are raised to it.
const MinThrottleWindow = time.Second

// DefaultThrottleWindow is used when no window is configured.
const DefaultThrottleWindow = 5 * time.Minute

// throttleEntry tracks suppression state for one key.
type throttleEntry struct {
	lastLoggedAt time.Time
	suppressed   int
}

// Throttle suppresses repeated log emissions per key within a window.
// The first emission for a key always passes. Subsequent emissions within
// the window are counted but dropped; the next emission outside the window
// carries the suppressed count.
//
// Keys are structured slugs such as "sync:main:diverged", never arbitrary
// message text.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

// NewThrottle creates a Throttle with the given window. Windows below
// MinThrottleWindow are raised to it; a zero or negative window selects
// DefaultThrottleWindow.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	if window < MinThrottleWindow {
		window = MinThrottleWindow
	}
	return &Throttle{
		window:  window,
		now:     time.Now,
		entries: make(map[string]*throttleEntry),
	}
}

// NewThrottleWithClock creates a Throttle with an injected clock for tests.
func NewThrottleWithClock(window time.Duration, now func() time.Time) *Throttle {
	t := NewThrottle(window)
	t.now = now
	return t
}

// Allow reports whether an emission for key may proceed right now. When it
// returns true, suppressed is the number of emissions dropped since the last
// allowed one and the entry is reset. When it returns false, the suppressed
// counter is incremented.
func (t *Throttle) Allow(key string) (allowed bool, suppressed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.entries[key]
	if !ok {
		t.entries[key] = &throttleEntry{lastLoggedAt: now}
		return true, 0
	}
	if now.Sub(entry.lastLoggedAt) < t.window {
		entry.suppressed++
		return false, 0
	}
	suppressed = entry.suppressed
	entry.lastLoggedAt = now
	entry.suppressed = 0
	return true, suppressed
}

// ThrottledLogger wraps a Logger with per-key throttling. Each leveled method
// takes an explicit throttle key; messages that pass after suppression carry
// a "(suppressed N similar)" suffix.
type ThrottledLogger struct {
	base     Logger
	throttle *Throttle
}

// NewThrottledLogger wraps base with a throttle window. base may be nil, in
// which case messages are discarded but suppression state is still tracked.
func NewThrottledLogger(base Logger, window time.Duration) *ThrottledLogger {
	if base == nil {
		base = Discard
	}
	return &ThrottledLogger{base: base, throttle: NewThrottle(window)}
}

// NewThrottledLoggerWithClock is NewThrottledLogger with an injected clock.
func NewThrottledLoggerWithClock(base Logger, window time.Duration, now func() time.Time) *ThrottledLogger {
	if base == nil {
		base = Discard
	}
	return &ThrottledLogger{base: base, throttle: NewThrottleWithClock(window, now)}
}

func (tl *ThrottledLogger) emit(key string, log func(format string, args ...interface{}), format string, args ...interface{}) {
	allowed, suppressed := tl.throttle.Allow(key)
	if !allowed {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (suppressed %d similar)", msg, suppressed)
	}
	log("%s", msg)
}

// Infof logs at info level, throttled by key.
func (tl *ThrottledLogger) Infof(key, format string, args ...interface{}) {
	tl.emit(key, tl.base.Infof, format, args...)
}

// Warnf logs at warn level, throttled by key.
func (tl *ThrottledLogger) Warnf(key, format string, args ...interface{}) {
	tl.emit(key, tl.base.Warnf, format, args...)
}

// Errorf logs at error level, throttled by key.
func (tl *ThrottledLogger) Errorf(key, format string, args ...interface{}) {
	tl.emit(key, tl.base.Errorf, format, args...)
}
