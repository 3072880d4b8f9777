package gitops

import (
	"context"
	"strings"
)

// WorktreeEntry is one record from `git worktree list --porcelain`.
type WorktreeEntry struct {
	// Path is the worktree's checkout directory.
	Path string

	// Branch is the checked-out branch name, empty when detached.
	Branch string

	// Head is the checked-out commit.
	Head string

	// Bare marks the bare repository entry.
	Bare bool
}

// WorktreeAdd creates a worktree at path on a new branch derived from base.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, RebaseTimeout, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeAddExisting creates a worktree at path for an existing branch.
func (g *Git) WorktreeAddExisting(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, RebaseTimeout, "worktree", "add", path, branch)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, RemovalTimeout, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops worktree registrations whose directories are gone.
func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.run(ctx, RemovalTimeout, "worktree", "prune")
	return err
}

// WorktreeList parses `git worktree list --porcelain`.
func (g *Git) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := g.run(ctx, RefQueryTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList decodes the porcelain format: records separated by blank
// lines, each starting with a "worktree <path>" line.
func parseWorktreeList(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var current *WorktreeEntry

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case line == "bare":
			current.Bare = true
		case line == "":
			flush()
		}
	}
	flush()
	return entries
}

// CheckedOutBranches returns the set of branches checked out in any worktree,
// including the main worktree.
func (g *Git) CheckedOutBranches(ctx context.Context) (map[string]bool, error) {
	entries, err := g.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}
	branches := make(map[string]bool)
	for _, e := range entries {
		if e.Branch != "" {
			branches[e.Branch] = true
		}
	}
	return branches, nil
}
