package branch

import (
	"context"
	"strings"
)

// SkipReason classifies why cleanup left a branch alone.
type SkipReason string

// Skip reasons, one per guard in the deletion rule.
const (
	SkipProtected          SkipReason = "protected"
	SkipCheckedOut         SkipReason = "checked-out"
	SkipActiveWorktree     SkipReason = "active-worktree"
	SkipTooRecent          SkipReason = "too-recent"
	SkipUnpushedCommits    SkipReason = "unpushed-commits"
	SkipNotPushedNotMerged SkipReason = "not-pushed-not-merged"
	SkipNoCommitDate       SkipReason = "no-commit-date"
	SkipDateCheckFailed    SkipReason = "date-check-failed"
)

// Skipped pairs a branch with the reason cleanup spared it.
type Skipped struct {
	Branch string
	Reason SkipReason
}

// CleanupResult summarizes one cleanup pass. Under dry-run, Deleted lists the
// branches that would have been deleted.
type CleanupResult struct {
	Deleted []string
	Skipped []Skipped
	Errors  []error
}

// CleanupOptions tunes one cleanup pass.
type CleanupOptions struct {
	// DryRun logs intent without deleting.
	DryRun bool
}

// CleanupStaleBranches deletes local task branches that are provably done:
// matching a stale prefix, unprotected, not checked out anywhere, older than
// the age floor, and either fully pushed or (when origin lacks the branch)
// merged into main. Every spared candidate is recorded with a typed reason.
func (m *Manager) CleanupStaleBranches(ctx context.Context, opts CleanupOptions) *CleanupResult {
	result := &CleanupResult{}

	branches, err := m.git.ListBranches(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	current, err := m.git.CurrentBranch(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	checkedOut, err := m.git.CheckedOutBranches(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	for _, b := range branches {
		if !m.hasStalePrefix(b) {
			continue
		}
		if reason, ok := m.shouldSkip(ctx, b, current, checkedOut); ok {
			result.Skipped = append(result.Skipped, Skipped{Branch: b, Reason: reason})
			continue
		}

		if opts.DryRun {
			m.log.Infof("cleanup:"+b+":dry-run", "would delete stale branch %s", b)
			result.Deleted = append(result.Deleted, b)
			continue
		}
		if err := m.git.DeleteBranch(ctx, b); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		m.log.Infof("cleanup:"+b+":deleted", "deleted stale branch %s", b)
		result.Deleted = append(result.Deleted, b)
	}
	return result
}

// hasStalePrefix reports whether b matches any cleanup prefix.
func (m *Manager) hasStalePrefix(b string) bool {
	for _, prefix := range m.stalePrefixes {
		if strings.HasPrefix(b, prefix) {
			return true
		}
	}
	return false
}

// shouldSkip applies the deletion guards in order and returns the first
// matching reason.
func (m *Manager) shouldSkip(ctx context.Context, b, current string, checkedOut map[string]bool) (SkipReason, bool) {
	for _, p := range m.protected {
		if b == p {
			return SkipProtected, true
		}
	}
	if b == current {
		return SkipCheckedOut, true
	}
	if checkedOut[b] {
		return SkipActiveWorktree, true
	}

	commitTime, err := m.git.LastCommitTime(ctx, b)
	if err != nil {
		return SkipDateCheckFailed, true
	}
	if commitTime.IsZero() {
		return SkipNoCommitDate, true
	}
	if m.now().Sub(commitTime) < m.minAge {
		return SkipTooRecent, true
	}

	if m.git.RemoteBranchExists(ctx, b) {
		ahead, err := m.git.RevListCount(ctx, "origin/"+b, b)
		if err != nil {
			return SkipDateCheckFailed, true
		}
		if ahead > 0 {
			return SkipUnpushedCommits, true
		}
		return "", false
	}

	merged, err := m.git.IsMergedInto(ctx, b, "main")
	if err != nil || !merged {
		return SkipNotPushedNotMerged, true
	}
	return "", false
}
