// Package lockmgr enforces a single orchestrator instance per config
// directory via a PID lock file with an identity token.
//
// The lock file {dir}/bosun.pid holds pretty-printed JSON
// {pid, started_at, argv, lock_token}. The current process owns the lock iff
// pid matches and the lock_token equals the in-memory token generated at
// startup; the token proves ownership even if the PID is later reused.
// Legacy pre-token files (bare integer PID, or JSON without a token) are
// accepted on read and matched by process start time, but writers always
// produce JSON.
package lockmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/bosun/internal/logger"
	"github.com/harrison/bosun/internal/procenum"
)

// LockFileName is the lock file name inside the config directory.
const LockFileName = "bosun.pid"

// WarnStateFileName is the sibling file tracking duplicate-start warning
// suppression per owner PID.
const WarnStateFileName = "monitor-duplicate-start-warning-state.json"

// monitorAssumeWindow bounds how recent an unknown owner's start time must be
// for it to be treated as a live monitor.
const monitorAssumeWindow = 3 * time.Minute

// maxAcquireAttempts bounds unlink-and-retry cycles for stale or reused PIDs.
const maxAcquireAttempts = 3

// ErrLockContention is returned (wrapped) when another live orchestrator owns
// the lock. Callers surface it as exit code 3 and must not retry.
var ErrLockContention = errors.New("another bosun is already running")

// LockFile is the JSON payload written to bosun.pid.
type LockFile struct {
	PID       int      `json:"pid"`
	StartedAt string   `json:"started_at"`
	Argv      []string `json:"argv"`
	LockToken string   `json:"lock_token"`
}

// warnState is the duplicate-start warning suppression record.
type warnState struct {
	PID          int       `json:"pid"`
	LastLoggedAt time.Time `json:"lastLoggedAt"`
	Suppressed   int       `json:"suppressed"`
}

// AcquireResult reports the outcome of an acquisition attempt.
type AcquireResult struct {
	// Acquired is true when this process may proceed as the singleton.
	Acquired bool

	// Unlocked is true when the process proceeds without a lock because of a
	// transient non-EEXIST write failure. Acquired is also true in that case.
	Unlocked bool

	// OwnerPID is the PID of the live owner when Acquired is false.
	OwnerPID int

	// Reason is a human-readable explanation when Acquired is false.
	Reason string
}

// Manager owns the lock file for one config directory.
type Manager struct {
	dir    string
	token  string
	pid    int
	argv   []string
	lister procenum.Lister
	log    logger.Logger

	// warnWindow throttles duplicate-start warnings per owner PID.
	warnWindow time.Duration

	now       func() time.Time
	startedAt time.Time

	mu       sync.Mutex
	acquired bool
	sigOnce  sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLister injects a process lister (tests use a fake).
func WithLister(l procenum.Lister) Option {
	return func(m *Manager) { m.lister = l }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWarnThrottle overrides the duplicate-start warning window.
func WithWarnThrottle(window time.Duration) Option {
	return func(m *Manager) {
		if window >= 5*time.Second {
			m.warnWindow = window
		}
	}
}

// WithPID overrides the manager's own PID (tests only).
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// New creates a Manager for the given config directory. The identity token is
// generated here, once per process.
func New(dir string, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Discard
	}
	m := &Manager{
		dir:        dir,
		token:      uuid.NewString(),
		pid:        os.Getpid(),
		argv:       os.Args,
		lister:     procenum.New(),
		log:        log,
		warnWindow: time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// Token returns the in-memory identity token.
func (m *Manager) Token() string {
	return m.token
}

// lockPath returns the lock file path.
func (m *Manager) lockPath() string {
	return m.dir + string(os.PathSeparator) + LockFileName
}

// warnStatePath returns the duplicate-start warning state file path.
func (m *Manager) warnStatePath() string {
	return m.dir + string(os.PathSeparator) + WarnStateFileName
}

// Acquire attempts to take the singleton lock. Stale and PID-reused lock
// files are replaced (up to 3 attempts); a live monitor owner yields
// Acquired=false. Write errors other than EEXIST are non-fatal: the process
// continues without a lock. Only repeated unlink failures return an error.
func (m *Manager) Acquire() (*AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		created, err := m.tryCreate()
		if err == nil && created {
			m.acquired = true
			return &AcquireResult{Acquired: true}, nil
		}
		if err != nil && !errors.Is(err, os.ErrExist) {
			m.log.Warnf("lock write failed (%v); continuing without singleton lock", err)
			return &AcquireResult{Acquired: true, Unlocked: true}, nil
		}

		existing, readErr := m.read()
		if readErr != nil {
			// Corrupt lock file: replace it.
			m.log.Warnf("replacing corrupt lock file: %v", readErr)
			if unlinkErr := m.unlink(); unlinkErr != nil {
				if attempt == maxAcquireAttempts-1 {
					return nil, fmt.Errorf("remove corrupt lock file: %w", unlinkErr)
				}
			}
			continue
		}

		if existing.PID == m.pid && existing.LockToken == m.token {
			// Re-entrant acquisition by the current owner.
			m.acquired = true
			return &AcquireResult{Acquired: true}, nil
		}

		if res := m.classifyOwner(existing); res != nil {
			m.warnDuplicateStart(existing.PID)
			return res, nil
		}

		// Dead owner, reused PID, or stale monitor metadata: take over.
		if unlinkErr := m.unlink(); unlinkErr != nil {
			if attempt == maxAcquireAttempts-1 {
				return nil, fmt.Errorf("remove stale lock file: %w", unlinkErr)
			}
		}
	}

	return nil, fmt.Errorf("lock acquisition exhausted %d attempts", maxAcquireAttempts)
}

// tryCreate writes the lock file with O_CREAT|O_EXCL semantics.
func (m *Manager) tryCreate() (bool, error) {
	f, err := os.OpenFile(m.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	payload := LockFile{
		PID:       m.pid,
		StartedAt: m.startedAt.UTC().Format(time.RFC3339),
		Argv:      m.argv,
		LockToken: m.token,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// read parses the lock file, accepting both the JSON format and the legacy
// bare-integer PID format.
func (m *Manager) read() (*LockFile, error) {
	data, err := os.ReadFile(m.lockPath())
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if pid, convErr := strconv.Atoi(trimmed); convErr == nil {
		return &LockFile{PID: pid}, nil
	}

	var payload LockFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	if payload.PID <= 0 {
		return nil, fmt.Errorf("lock file has no pid")
	}
	return &payload, nil
}

// classifyOwner decides whether the existing lock belongs to a live monitor.
// A non-nil result means acquisition fails; nil means the lock is stale or
// the PID was reused and the caller should replace it.
func (m *Manager) classifyOwner(existing *LockFile) *AcquireResult {
	if !m.lister.Alive(existing.PID) {
		return nil
	}

	contended := &AcquireResult{
		OwnerPID: existing.PID,
		Reason:   fmt.Sprintf("another bosun is already running (PID %d)", existing.PID),
	}

	var proc *procenum.ProcessInfo
	if procs, err := m.lister.List(contextBackground()); err == nil {
		proc = procenum.FindByPID(procs, existing.PID)
	}

	switch procenum.ClassifyProcess(proc) {
	case procenum.ClassMonitor:
		if m.staleMonitorMetadata(existing, proc) {
			// PID reused by a different monitor started at another time.
			m.log.Warnf("lock PID %d reused by another process; replacing lock", existing.PID)
			return nil
		}
		return contended
	case procenum.ClassUnknown:
		if m.ShouldAssumeMonitorForUnknownOwner(existing) {
			return contended
		}
		return nil
	default:
		m.log.Warnf("lock PID %d reused by a non-monitor process; replacing lock", existing.PID)
		return nil
	}
}

// staleMonitorMetadata reports whether a live monitor process does not match
// the lock payload's recorded start time, which indicates PID reuse. Only
// meaningful when both timestamps are available.
func (m *Manager) staleMonitorMetadata(existing *LockFile, proc *procenum.ProcessInfo) bool {
	if proc == nil || proc.CreationDate.IsZero() || existing.StartedAt == "" {
		return false
	}
	recorded, err := time.Parse(time.RFC3339, existing.StartedAt)
	if err != nil {
		return false
	}
	diff := proc.CreationDate.Sub(recorded)
	if diff < 0 {
		diff = -diff
	}
	return diff > 2*time.Minute
}

// ShouldAssumeMonitorForUnknownOwner decides whether a lock owner whose
// command line is unavailable should be treated as a live monitor. True iff
// the payload argv looks like a monitor invocation AND the recorded start
// time is either unparseable or within 3 minutes of now.
func (m *Manager) ShouldAssumeMonitorForUnknownOwner(existing *LockFile) bool {
	if procenum.Classify(strings.Join(existing.Argv, " ")) != procenum.ClassMonitor {
		return false
	}
	started, err := time.Parse(time.RFC3339, existing.StartedAt)
	if err != nil {
		return true
	}
	age := m.now().Sub(started)
	if age < 0 {
		age = -age
	}
	return age <= monitorAssumeWindow
}

// unlink removes the lock file. A file that is already gone is not an error.
func (m *Manager) unlink() error {
	err := os.Remove(m.lockPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Release removes the lock file only if the current process still owns it.
// Safe to call multiple times.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acquired {
		return
	}
	if m.ownsCurrentFile() {
		if err := m.unlink(); err != nil {
			m.log.Warnf("release lock: %v", err)
		}
	}
	m.acquired = false
}

// ownsCurrentFile re-reads the lock file and verifies ownership before a
// destructive removal. Token match is authoritative; legacy files without a
// token match by recorded start time.
func (m *Manager) ownsCurrentFile() bool {
	existing, err := m.read()
	if err != nil {
		return false
	}
	if existing.PID != m.pid {
		return false
	}
	if existing.LockToken != "" {
		return existing.LockToken == m.token
	}
	if existing.StartedAt == "" {
		return true
	}
	recorded, err := time.Parse(time.RFC3339, existing.StartedAt)
	if err != nil {
		return false
	}
	diff := recorded.Sub(m.startedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 2*time.Second
}

// InstallCleanup registers signal handlers that release the lock on SIGINT
// and SIGTERM before re-raising the default behavior. Idempotent.
func (m *Manager) InstallCleanup() {
	m.sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			m.Release()
			signal.Stop(ch)
			if sig == syscall.SIGTERM {
				os.Exit(143)
			}
			os.Exit(130)
		}()
	})
}

// warnDuplicateStart emits the duplicate-start warning, throttled per owner
// PID with persistent state so restarts do not reset the window. The next
// unthrottled emission reports how many warnings were suppressed.
func (m *Manager) warnDuplicateStart(ownerPID int) {
	state := m.loadWarnState()
	now := m.now()

	if state.PID == ownerPID && now.Sub(state.LastLoggedAt) < m.warnWindow {
		state.Suppressed++
		m.saveWarnState(state)
		return
	}

	if state.PID == ownerPID && state.Suppressed > 0 {
		m.log.Warnf("another bosun is already running (PID %d) (suppressed %d similar)", ownerPID, state.Suppressed)
	} else {
		m.log.Warnf("another bosun is already running (PID %d)", ownerPID)
	}
	m.saveWarnState(&warnState{PID: ownerPID, LastLoggedAt: now})
}

// loadWarnState reads the warn-state file, returning a zero state on any
// failure.
func (m *Manager) loadWarnState() *warnState {
	data, err := os.ReadFile(m.warnStatePath())
	if err != nil {
		return &warnState{}
	}
	var state warnState
	if err := json.Unmarshal(data, &state); err != nil {
		return &warnState{}
	}
	return &state
}

// saveWarnState persists the warn-state file. Best-effort.
func (m *Manager) saveWarnState(state *warnState) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	if err := writeWarnState(m.warnStatePath(), data); err != nil {
		m.log.Debugf("persist duplicate-start state: %v", err)
	}
}
