package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/bosun/internal/gitops"
)

// scriptRunner returns canned output per joined arg string and records calls.
type scriptRunner struct {
	responses map[string]string
	errors    map[string]error
	calls     []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (s *scriptRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	if err, ok := s.errors[key]; ok {
		return "", err
	}
	return s.responses[key], nil
}

func (s *scriptRunner) called(key string) bool {
	for _, c := range s.calls {
		if c == key {
			return true
		}
	}
	return false
}

// newTestManager wires a Manager around a fake runner rooted in a temp repo.
func newTestManager(t *testing.T, runner *scriptRunner, opts ...Option) (*Manager, string) {
	t.Helper()
	repoRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, ".git"), 0755))

	opts = append(opts, WithGitFactory(func(root string) *gitops.Git {
		return gitops.NewWithRunner(root, runner)
	}))
	return New(nil, opts...), repoRoot
}

func TestAllocateCreatesWorktree(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	wt, err := m.Allocate(context.Background(), repoRoot, "abc-123", "main")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(repoRoot, ".cache", "worktrees", "abc-123"), wt.Path)
	assert.Equal(t, "ve/abc-123", wt.Branch)
	assert.True(t, runner.called("worktree add -b ve/abc-123 "+wt.Path+" main"))
}

func TestAllocateIdempotent(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	path := PathFor(repoRoot, "abc-123")
	runner.responses["worktree list --porcelain"] = "worktree " + path + "\nbranch refs/heads/ve/abc-123\n"

	wt, err := m.Allocate(context.Background(), repoRoot, "abc-123", "main")
	require.NoError(t, err)
	assert.Equal(t, "ve/abc-123", wt.Branch)

	// No add command was issued for the existing registration.
	for _, call := range runner.calls {
		assert.NotContains(t, call, "worktree add")
	}
}

func TestAllocateRetriesAfterPrune(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	path := PathFor(repoRoot, "abc-123")
	addNew := "worktree add -b ve/abc-123 " + path + " main"
	addExisting := "worktree add " + path + " ve/abc-123"

	// Both add forms fail persistently: the allocation must prune stale
	// registrations between rounds and finally surface the error.
	runner.errors[addNew] = assert.AnError
	runner.errors[addExisting] = assert.AnError

	_, err := m.Allocate(context.Background(), repoRoot, "abc-123", "main")
	require.Error(t, err)
	assert.True(t, runner.called("worktree prune"))
}

func TestReleaseRemovesAndPrunes(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	wt := &Worktree{
		RepoRoot: repoRoot,
		Path:     PathFor(repoRoot, "abc-123"),
		Branch:   "ve/abc-123",
	}
	require.NoError(t, m.Release(context.Background(), wt))

	assert.True(t, runner.called("worktree remove --force "+wt.Path))
	assert.True(t, runner.called("worktree prune"))
}

func TestPruneStaleRemovesMissingDirs(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	ghostPath := filepath.Join(repoRoot, ".cache", "worktrees", "ghost")
	runner.responses["worktree list --porcelain"] = strings.Join([]string{
		"worktree " + repoRoot,
		"branch refs/heads/main",
		"",
		"worktree " + ghostPath,
		"branch refs/heads/ve/ghost",
		"",
	}, "\n")

	result, err := m.PruneStale(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)
	assert.True(t, runner.called("worktree remove --force "+ghostPath))
}

func TestPruneStaleNeverTouchesRepoRoot(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	// The repo root itself does exist but would look "aged" if considered.
	runner.responses["worktree list --porcelain"] = "worktree " + repoRoot + "\nbranch refs/heads/main\n"

	result, err := m.PruneStale(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.Zero(t, result.Pruned)
	for _, call := range runner.calls {
		assert.NotContains(t, call, "worktree remove --force "+repoRoot)
	}
}

func TestPruneStaleRemovesAgedCopilotWorktrees(t *testing.T) {
	runner := newScriptRunner()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m, repoRoot := newTestManager(t, runner, WithClock(func() time.Time { return now }))

	oldPath := filepath.Join(repoRoot, "copilot-worktree-2026-06-01")
	freshPath := filepath.Join(repoRoot, "copilot-worktree-2026-06-29")
	require.NoError(t, os.MkdirAll(oldPath, 0755))
	require.NoError(t, os.MkdirAll(freshPath, 0755))

	runner.responses["worktree list --porcelain"] = strings.Join([]string{
		"worktree " + repoRoot,
		"branch refs/heads/main",
		"",
		"worktree " + oldPath,
		"branch refs/heads/copilot-worktree-2026-06-01",
		"",
		"worktree " + freshPath,
		"branch refs/heads/copilot-worktree-2026-06-29",
		"",
	}, "\n")

	result, err := m.PruneStale(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)
	assert.True(t, runner.called("worktree remove --force "+oldPath))
	assert.False(t, runner.called("worktree remove --force "+freshPath))
}

func TestPruneStaleRemovesAgedVibeKanbanWorktrees(t *testing.T) {
	runner := newScriptRunner()
	now := time.Now()
	m, repoRoot := newTestManager(t, runner, WithClock(func() time.Time { return now }))

	// Legacy vibe-kanban checkouts carry no date stamp; age comes from the
	// directory's modification time.
	oldPath := filepath.Join(repoRoot, "vibe-kanban", "task-abc")
	freshPath := filepath.Join(repoRoot, "vibe-kanban", "task-def")
	require.NoError(t, os.MkdirAll(oldPath, 0755))
	require.NoError(t, os.MkdirAll(freshPath, 0755))
	aged := now.Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, aged, aged))

	runner.responses["worktree list --porcelain"] = strings.Join([]string{
		"worktree " + repoRoot,
		"branch refs/heads/main",
		"",
		"worktree " + oldPath,
		"branch refs/heads/ve/task-abc",
		"",
		"worktree " + freshPath,
		"branch refs/heads/ve/task-def",
		"",
	}, "\n")

	result, err := m.PruneStale(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)
	assert.True(t, runner.called("worktree remove --force "+oldPath))
	assert.False(t, runner.called("worktree remove --force "+freshPath))
}

func TestRepairConfigCorruption(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	runner.responses["config --get core.bare"] = "true\n"

	repaired, err := m.RepairConfigCorruption(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.True(t, runner.called("config core.bare false"))
}

func TestRepairConfigCorruptionNoop(t *testing.T) {
	runner := newScriptRunner()
	m, repoRoot := newTestManager(t, runner)

	runner.responses["config --get core.bare"] = "false\n"

	repaired, err := m.RepairConfigCorruption(context.Background(), repoRoot)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.False(t, runner.called("config core.bare false"))
}

func TestBranchAndPathHelpers(t *testing.T) {
	assert.Equal(t, "ve/x", BranchFor("x"))
	assert.Equal(t, filepath.Join("/r", ".cache", "worktrees", "x"), PathFor("/r", "x"))
}
