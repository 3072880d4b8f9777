// Package branch keeps local tracking branches aligned with origin and
// garbage-collects stale task branches.
//
// Sync classifies each branch by its ahead/behind counts against origin and
// applies exactly one action: skip, push, rebase+push, ff-pull, or a safe
// update-ref fast-forward. For a branch that is behind origin, the working
// tree dirty check is evaluated, and logged, before any divergence
// classification for the same branch, so a "diverged" warning never precedes
// the authoritative "dirty — skipping".
package branch

import (
	"context"
	"time"

	"github.com/harrison/bosun/internal/gitops"
	"github.com/harrison/bosun/internal/logger"
)

// Manager syncs and garbage-collects branches for one repository.
type Manager struct {
	git *gitops.Git
	log *logger.ThrottledLogger
	now func() time.Time

	// protected branches are never deleted.
	protected []string

	// stalePrefixes select cleanup candidates.
	stalePrefixes []string

	// minAge is the last-commit age floor for deletion.
	minAge time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithProtected overrides the protected branch list.
func WithProtected(branches []string) Option {
	return func(m *Manager) { m.protected = branches }
}

// WithStalePrefixes overrides the cleanup prefix list.
func WithStalePrefixes(prefixes []string) Option {
	return func(m *Manager) { m.stalePrefixes = prefixes }
}

// WithMinAge overrides the last-commit age floor.
func WithMinAge(age time.Duration) Option {
	return func(m *Manager) {
		if age > 0 {
			m.minAge = age
		}
	}
}

// New creates a Manager over a git wrapper. The throttled logger keys all
// sync output as "sync:{branch}:{event}".
func New(git *gitops.Git, log *logger.ThrottledLogger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewThrottledLogger(nil, logger.DefaultThrottleWindow)
	}
	m := &Manager{
		git:           git,
		log:           log,
		now:           time.Now,
		protected:     []string{"main", "mainnet/main"},
		stalePrefixes: []string{"ve/", "copilot-worktree-"},
		minAge:        24 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncLocalTrackingBranches aligns the named branches with origin. A single
// fetch runs up front; if it fails the sync returns zero without touching any
// branch. Returns how many branches were actually moved or pushed.
func (m *Manager) SyncLocalTrackingBranches(ctx context.Context, branches []string) int {
	if err := m.git.FetchAll(ctx); err != nil {
		m.log.Warnf("sync:fetch:failed", "fetch --all failed, skipping branch sync: %v", err)
		return 0
	}

	current, err := m.git.CurrentBranch(ctx)
	if err != nil {
		m.log.Warnf("sync:head:failed", "cannot resolve current branch: %v", err)
		return 0
	}

	synced := 0
	for _, b := range branches {
		if m.syncOne(ctx, b, current) {
			synced++
		}
	}
	return synced
}

// syncOne applies the action table to one branch. Returns true when the
// branch was pushed, rebased, or fast-forwarded.
func (m *Manager) syncOne(ctx context.Context, b, current string) bool {
	if !m.git.LocalBranchExists(ctx, b) || !m.git.RemoteBranchExists(ctx, b) {
		return false
	}

	ahead, behind, err := m.git.AheadBehind(ctx, b)
	if err != nil {
		m.log.Warnf("sync:"+b+":counts", "branch %s: ahead/behind check failed: %v", b, err)
		return false
	}
	if ahead == 0 && behind == 0 {
		return false
	}

	isCurrent := b == current

	// The dirty check is evaluated, and logged, before any divergence
	// classification. Pulling or rebasing touches the working tree; a pure
	// push does not.
	if behind > 0 {
		dirty, dirtyErr := m.git.IsDirty(ctx)
		if dirtyErr != nil {
			m.log.Warnf("sync:"+b+":dirty-check", "branch %s: dirty check failed: %v", b, dirtyErr)
			return false
		}
		if dirty && (ahead > 0 || isCurrent) {
			m.log.Infof("sync:"+b+":dirty", "branch %s has uncommitted changes — skipping pull", b)
			return false
		}
	}

	switch {
	case ahead > 0 && behind == 0:
		if err := m.git.Push(ctx, b); err != nil {
			m.log.Warnf("sync:"+b+":push", "branch %s: push failed: %v", b, err)
			return false
		}
		m.log.Infof("sync:"+b+":pushed", "pushed %s (%d ahead)", b, ahead)
		return true

	case ahead > 0 && behind > 0:
		if !isCurrent {
			m.log.Warnf("sync:"+b+":diverged", "branch %s diverged (ahead %d, behind %d) but is not checked out — rebase requires checkout, skipping", b, ahead, behind)
			return false
		}
		m.log.Infof("sync:"+b+":diverged", "branch %s diverged (ahead %d, behind %d) — rebasing onto origin/%s", b, ahead, behind, b)
		if err := m.git.Rebase(ctx, "origin/"+b); err != nil {
			_ = m.git.RebaseAbort(ctx)
			m.log.Warnf("sync:"+b+":rebase", "branch %s: rebase failed, aborted: %v", b, err)
			return false
		}
		if err := m.git.Push(ctx, b); err != nil {
			m.log.Warnf("sync:"+b+":push", "branch %s: push after rebase failed: %v", b, err)
			return false
		}
		return true

	default: // ahead == 0, behind > 0
		if isCurrent {
			if err := m.git.PullFFOnly(ctx); err != nil {
				m.log.Warnf("sync:"+b+":pull", "branch %s: fast-forward pull failed: %v", b, err)
				return false
			}
			return true
		}
		if err := m.git.UpdateRef(ctx, b); err != nil {
			m.log.Warnf("sync:"+b+":update-ref", "branch %s: fast-forward update-ref failed: %v", b, err)
			return false
		}
		m.log.Infof("sync:"+b+":fast-forwarded", "fast-forwarded %s (%d behind)", b, behind)
		return true
	}
}
