// Package worktree manages per-attempt git worktrees: allocation, release,
// stale pruning, and repair of the core.bare corruption that accumulated
// worktree churn leaves behind.
//
// All mutations for one repository are serialized by a repo-root file lock,
// so concurrent sweeps and dispatches never interleave worktree commands.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/harrison/bosun/internal/filelock"
	"github.com/harrison/bosun/internal/gitops"
	"github.com/harrison/bosun/internal/logger"
)

// CacheDir is the worktree container below the repository root.
const CacheDir = ".cache/worktrees"

// DefaultMaxAge is how old a legacy task worktree may grow before pruning.
const DefaultMaxAge = 7 * 24 * time.Hour

// Legacy worktree shapes recognized alongside the canonical
// .cache/worktrees/{attemptToken} layout: dated copilot worktrees (the date
// stamp is captured for age checks) and vibe-kanban checkouts, identified by
// a vibe-kanban path segment.
var (
	copilotDatedRe   = regexp.MustCompile(`copilot-worktree-(\d{4}-\d{2}-\d{2})`)
	vibeKanbanPathRe = regexp.MustCompile(`(^|/)vibe-kanban/`)
)

// Worktree is one allocated checkout, keyed by the attempt that owns it.
type Worktree struct {
	RepoRoot      string
	Branch        string
	Path          string
	CreatedAt     time.Time
	TaskAttemptID string
}

// PruneResult summarizes one pruneStale pass.
type PruneResult struct {
	// Pruned counts worktrees removed, by any rule.
	Pruned int

	// Errors holds non-fatal removal failures.
	Errors []error
}

// Manager allocates and reaps worktrees.
type Manager struct {
	log    logger.Logger
	maxAge time.Duration
	now    func() time.Time

	// newGit builds the git wrapper per repo; tests swap it for fakes.
	newGit func(repoRoot string) *gitops.Git

	// repoLocks serializes all mutations per repository root.
	repoLocks *filelock.RepoLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithGitFactory injects the git wrapper constructor (tests).
func WithGitFactory(f func(repoRoot string) *gitops.Git) Option {
	return func(m *Manager) { m.newGit = f }
}

// WithClock injects a clock (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxAge overrides the dated-worktree age threshold.
func WithMaxAge(age time.Duration) Option {
	return func(m *Manager) {
		if age > 0 {
			m.maxAge = age
		}
	}
}

// New creates a Manager.
func New(log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Discard
	}
	m := &Manager{
		log:       log,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
		newGit:    gitops.New,
		repoLocks: filelock.NewRepoLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PathFor returns the canonical worktree path for an attempt.
func PathFor(repoRoot, attemptID string) string {
	return filepath.Join(repoRoot, CacheDir, attemptID)
}

// BranchFor returns the task branch name for an attempt.
func BranchFor(attemptID string) string {
	return "ve/" + attemptID
}

// Allocate creates the worktree for an attempt, tracking a new branch derived
// from baseBranch. Idempotent: a second call for the same attempt returns the
// existing allocation. A failed add is retried once after pruning stale
// registrations, which covers directories deleted behind git's back.
func (m *Manager) Allocate(ctx context.Context, repoRoot, attemptID, baseBranch string) (*Worktree, error) {
	path := PathFor(repoRoot, attemptID)
	branch := BranchFor(attemptID)
	wt := &Worktree{
		RepoRoot:      repoRoot,
		Branch:        branch,
		Path:          path,
		CreatedAt:     m.now(),
		TaskAttemptID: attemptID,
	}

	err := m.repoLocks.WithRepo(repoRoot, func() error {
		git := m.newGit(repoRoot)

		// Idempotency: reuse an existing registration for this attempt.
		if entries, listErr := git.WorktreeList(ctx); listErr == nil {
			for _, e := range entries {
				if e.Path == path {
					wt.Branch = e.Branch
					return nil
				}
			}
		}

		if addErr := git.WorktreeAdd(ctx, path, branch, baseBranch); addErr == nil {
			return nil
		}
		// The branch may survive a previous attempt's worktree.
		if addErr := git.WorktreeAddExisting(ctx, path, branch); addErr == nil {
			return nil
		}
		// Stale registration: prune and retry once.
		_ = git.WorktreePrune(ctx)
		if addErr := git.WorktreeAdd(ctx, path, branch, baseBranch); addErr == nil {
			return nil
		}
		if addErr := git.WorktreeAddExisting(ctx, path, branch); addErr != nil {
			return fmt.Errorf("allocate worktree for attempt %s: %w", attemptID, addErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wt, nil
}

// Release removes an attempt's worktree and prunes the registration.
func (m *Manager) Release(ctx context.Context, wt *Worktree) error {
	return m.repoLocks.WithRepo(wt.RepoRoot, func() error {
		git := m.newGit(wt.RepoRoot)
		if err := git.WorktreeRemove(ctx, wt.Path); err != nil {
			// Removal of an already-gone worktree still needs the prune.
			m.log.Debugf("worktree remove %s: %v", wt.Path, err)
		}
		return git.WorktreePrune(ctx)
	})
}

// PruneStale reaps dead worktrees for one repository:
// registrations whose directory is gone, and legacy-shaped task worktrees
// (dated copilot, vibe-kanban) older than the age threshold. The repository
// root worktree is never touched.
func (m *Manager) PruneStale(ctx context.Context, repoRoot string) (*PruneResult, error) {
	result := &PruneResult{}
	err := m.repoLocks.WithRepo(repoRoot, func() error {
		git := m.newGit(repoRoot)

		if err := git.WorktreePrune(ctx); err != nil {
			result.Errors = append(result.Errors, err)
		}

		entries, err := git.WorktreeList(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Bare || samePath(e.Path, repoRoot) {
				continue
			}
			if _, statErr := os.Stat(e.Path); os.IsNotExist(statErr) {
				m.removeEntry(ctx, git, e.Path, result)
				continue
			}
			if m.legacyWorktreeExpired(e) {
				m.log.Infof("pruning aged worktree %s", e.Path)
				m.removeEntry(ctx, git, e.Path, result)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// removeEntry force-removes one worktree registration, collecting errors.
func (m *Manager) removeEntry(ctx context.Context, git *gitops.Git, path string, result *PruneResult) {
	if err := git.WorktreeRemove(ctx, path); err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	result.Pruned++
}

// legacyWorktreeExpired reports whether the entry is a legacy-shaped task
// worktree older than the age threshold. Dated copilot worktrees carry their
// age in the name or branch; vibe-kanban checkouts have no stamp, so their
// directory modification time stands in.
func (m *Manager) legacyWorktreeExpired(e gitops.WorktreeEntry) bool {
	match := copilotDatedRe.FindStringSubmatch(e.Path)
	if match == nil {
		match = copilotDatedRe.FindStringSubmatch(e.Branch)
	}
	if match != nil {
		stamp, err := time.Parse("2006-01-02", match[1])
		if err != nil {
			return false
		}
		return m.now().Sub(stamp) > m.maxAge
	}

	if vibeKanbanPathRe.MatchString(filepath.ToSlash(e.Path)) {
		info, err := os.Stat(e.Path)
		if err != nil {
			return false
		}
		return m.now().Sub(info.ModTime()) > m.maxAge
	}
	return false
}

// RepairConfigCorruption resets core.bare=true on a repository that plainly
// is not bare. Worktree churn on some git versions leaves the flag flipped,
// which then breaks every subsequent worktree command.
func (m *Manager) RepairConfigCorruption(ctx context.Context, repoRoot string) (repaired bool, err error) {
	err = m.repoLocks.WithRepo(repoRoot, func() error {
		git := m.newGit(repoRoot)
		value, getErr := git.ConfigGet(ctx, "core.bare")
		if getErr != nil || strings.TrimSpace(value) != "true" {
			return nil
		}
		info, statErr := os.Stat(filepath.Join(repoRoot, ".git"))
		if statErr != nil || !info.IsDir() {
			// Actually bare, or unreadable: leave it alone.
			return nil
		}
		if setErr := git.ConfigSet(ctx, "core.bare", "false"); setErr != nil {
			return setErr
		}
		m.log.Warnf("repaired core.bare corruption in %s", repoRoot)
		repaired = true
		return nil
	})
	return repaired, err
}

// samePath compares two paths after cleaning.
func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
