// Package gitops is a thin wrapper over the git CLI: worktree, branch,
// rev-list, fetch, push, and rebase verbs with per-operation timeouts.
//
// All subprocess work goes through a CommandRunner so tests can inject a
// fake. Timeouts are enforced per verb class: ref queries 5s, removals 10s,
// push 30s, rebase and fetch 60s. A timed-out child is killed by the
// context; the failure is reported as a GitError with Timeout set.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Per-operation timeout classes.
const (
	RefQueryTimeout = 5 * time.Second
	RemovalTimeout  = 10 * time.Second
	PushTimeout     = 30 * time.Second
	RebaseTimeout   = 60 * time.Second
	FetchTimeout    = 60 * time.Second
)

// CommandRunner executes a git invocation in dir and returns combined output.
// The default runner shells out; tests inject fakes.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// execRunner is the production CommandRunner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), err
	}
	return string(output), nil
}

// GitError carries the failed invocation, its trimmed output, and whether the
// per-operation timeout fired.
type GitError struct {
	Args    []string
	Output  string
	Timeout bool
	Err     error
}

func (e *GitError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("git %s: timed out: %s", strings.Join(e.Args, " "), e.Output)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a GitError caused by a timeout.
func IsTimeout(err error) bool {
	var ge *GitError
	return errors.As(err, &ge) && ge.Timeout
}

// Git runs git commands against one repository root.
type Git struct {
	// RepoRoot is the working directory for all invocations.
	RepoRoot string

	// Runner executes commands; nil selects the exec-based runner.
	Runner CommandRunner
}

// New creates a Git for the given repository root.
func New(repoRoot string) *Git {
	return &Git{RepoRoot: repoRoot, Runner: execRunner{}}
}

// NewWithRunner creates a Git with an injected runner. Used by tests.
func NewWithRunner(repoRoot string, runner CommandRunner) *Git {
	return &Git{RepoRoot: repoRoot, Runner: runner}
}

// run executes git with a timeout and wraps failures in GitError.
func (g *Git) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	runner := g.Runner
	if runner == nil {
		runner = execRunner{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := runner.Run(ctx, g.RepoRoot, args...)
	if err != nil {
		return "", &GitError{
			Args:    args,
			Output:  trimOutput(output),
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	return output, nil
}

// trimOutput bounds logged subprocess output.
func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2000 {
		s = s[:2000] + "…"
	}
	return s
}

// DiscoverRoot resolves the repository root containing dir.
func DiscoverRoot(ctx context.Context, dir string) (string, error) {
	g := &Git{RepoRoot: dir, Runner: execRunner{}}
	out, err := g.run(ctx, RefQueryTimeout, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FetchAll runs a single fetch of all remotes with pruning.
func (g *Git) FetchAll(ctx context.Context) error {
	_, err := g.run(ctx, FetchTimeout, "fetch", "--all", "--prune", "--quiet")
	return err
}

// RevListCount returns the number of commits in range "from..to".
func (g *Git) RevListCount(ctx context.Context, from, to string) (int, error) {
	out, err := g.run(ctx, RefQueryTimeout, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", strings.TrimSpace(out), convErr)
	}
	return n, nil
}

// AheadBehind computes how far branch is ahead of and behind origin/branch.
func (g *Git) AheadBehind(ctx context.Context, branch string) (ahead, behind int, err error) {
	ahead, err = g.RevListCount(ctx, "origin/"+branch, branch)
	if err != nil {
		return 0, 0, err
	}
	behind, err = g.RevListCount(ctx, branch, "origin/"+branch)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// LocalBranchExists reports whether refs/heads/branch exists.
func (g *Git) LocalBranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, RefQueryTimeout, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// RemoteBranchExists reports whether refs/remotes/origin/branch exists.
func (g *Git) RemoteBranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, RefQueryTimeout, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// CurrentBranch returns the checked-out branch name, empty when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, RefQueryTimeout, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (g *Git) IsDirty(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, RefQueryTimeout, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Push pushes branch to origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, PushTimeout, "push", "origin", branch+":refs/heads/"+branch, "--quiet")
	return err
}

// Rebase rebases the current branch onto the given upstream ref.
func (g *Git) Rebase(ctx context.Context, onto string) error {
	_, err := g.run(ctx, RebaseTimeout, "rebase", onto)
	return err
}

// RebaseAbort aborts an in-progress rebase. Best-effort.
func (g *Git) RebaseAbort(ctx context.Context) error {
	_, err := g.run(ctx, RemovalTimeout, "rebase", "--abort")
	return err
}

// PullFFOnly fast-forwards the current branch, refusing merges.
func (g *Git) PullFFOnly(ctx context.Context) error {
	_, err := g.run(ctx, PushTimeout, "pull", "--ff-only", "--quiet")
	return err
}

// UpdateRef fast-forwards refs/heads/branch to origin/branch without a
// checkout. Safe only when the branch is strictly behind.
func (g *Git) UpdateRef(ctx context.Context, branch string) error {
	_, err := g.run(ctx, RefQueryTimeout, "update-ref", "refs/heads/"+branch, "refs/remotes/origin/"+branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, RemovalTimeout, "branch", "-D", branch)
	return err
}

// IsMergedInto reports whether branch is an ancestor of target.
func (g *Git) IsMergedInto(ctx context.Context, branch, target string) (bool, error) {
	_, err := g.run(ctx, RefQueryTimeout, "merge-base", "--is-ancestor", branch, target)
	if err == nil {
		return true, nil
	}
	var ge *GitError
	if errors.As(err, &ge) && !ge.Timeout {
		// Exit status 1 means "not an ancestor".
		var exitErr *exec.ExitError
		if errors.As(ge.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
	}
	return false, err
}

// LastCommitTime returns the committer date of the branch tip.
func (g *Git) LastCommitTime(ctx context.Context, branch string) (time.Time, error) {
	out, err := g.run(ctx, RefQueryTimeout, "log", "-1", "--format=%cI", branch)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(out) == "" {
		// A branch with no reachable commit has no date to check.
		return time.Time{}, nil
	}
	ts, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(out))
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("parse commit date %q: %w", strings.TrimSpace(out), parseErr)
	}
	return ts, nil
}

// ListBranches returns all local branch names. Callers filter by prefix;
// for-each-ref patterns only match at path boundaries, which the dated
// copilot prefix does not respect.
func (g *Git) ListBranches(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, RefQueryTimeout, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// ConfigGet reads a config key. Missing keys return empty output and a
// GitError; callers treat that as unset.
func (g *Git) ConfigGet(ctx context.Context, key string) (string, error) {
	out, err := g.run(ctx, RefQueryTimeout, "config", "--get", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ConfigSet writes a config key.
func (g *Git) ConfigSet(ctx context.Context, key, value string) error {
	_, err := g.run(ctx, RefQueryTimeout, "config", key, value)
	return err
}
