package branch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/harrison/bosun/internal/gitops"
	"github.com/harrison/bosun/internal/logger"
)

// fakeRunner answers git invocations from a canned map. Unknown invocations
// succeed with empty output, so existence probes default to "exists".
type fakeRunner struct {
	responses map[string]string
	errors    map[string]error
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func (f *fakeRunner) called(key string) bool {
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

// orderedLogger records messages in emission order.
type orderedLogger struct {
	mu    sync.Mutex
	lines []string
}

func (o *orderedLogger) add(format string, args ...interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, fmt.Sprintf(format, args...))
}

func (o *orderedLogger) Tracef(format string, args ...interface{}) { o.add(format, args...) }
func (o *orderedLogger) Debugf(format string, args ...interface{}) { o.add(format, args...) }
func (o *orderedLogger) Infof(format string, args ...interface{})  { o.add(format, args...) }
func (o *orderedLogger) Warnf(format string, args ...interface{})  { o.add(format, args...) }
func (o *orderedLogger) Errorf(format string, args ...interface{}) { o.add(format, args...) }

func newSyncFixture(runner *fakeRunner, opts ...Option) (*Manager, *orderedLogger) {
	rec := &orderedLogger{}
	tl := logger.NewThrottledLogger(rec, time.Second)
	git := gitops.NewWithRunner("/repo", runner)
	return New(git, tl, opts...), rec
}

// branchFixture wires ahead/behind/dirty/current state for one branch.
func branchFixture(runner *fakeRunner, b string, ahead, behind int, dirty bool, current string) {
	runner.responses["branch --show-current"] = current + "\n"
	runner.responses["rev-list --count origin/"+b+".."+b] = fmt.Sprintf("%d", ahead)
	runner.responses["rev-list --count "+b+"..origin/"+b] = fmt.Sprintf("%d", behind)
	if dirty {
		runner.responses["status --porcelain"] = " M file.go\n"
	}
}

func TestSyncFetchFailureShortCircuits(t *testing.T) {
	runner := newFakeRunner()
	runner.errors["fetch --all --prune --quiet"] = assert.AnError
	m, rec := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"main"})
	assert.Zero(t, synced)
	require.Len(t, rec.lines, 1)
	assert.Contains(t, rec.lines[0], "fetch --all failed")
	assert.False(t, runner.called("rev-list --count origin/main..main"))
}

func TestSyncInSyncBranchSkipped(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "main", 0, 0, false, "main")
	m, rec := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"main"})
	assert.Zero(t, synced)
	assert.Empty(t, rec.lines)
}

func TestSyncAheadOnlyPushes(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "main", 2, 0, false, "main")
	m, _ := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"main"})
	assert.Equal(t, 1, synced)
	assert.True(t, runner.called("push origin main:refs/heads/main --quiet"))
}

// S3: diverged dirty branch logs only the dirty decision and syncs nothing.
func TestSyncDivergedDirtySkipsWithSingleLog(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "main", 2, 1, true, "main")
	m, rec := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"main"})
	assert.Zero(t, synced)

	require.Len(t, rec.lines, 1)
	assert.Contains(t, rec.lines[0], "uncommitted changes — skipping pull")
	for _, line := range rec.lines {
		assert.NotContains(t, line, "diverged")
	}
	assert.False(t, runner.called("rebase origin/main"))
}

// S4: diverged clean current branch rebases then pushes.
func TestSyncDivergedCleanCurrentRebasesAndPushes(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "feature/x", 1, 1, false, "feature/x")
	m, rec := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"feature/x"})
	assert.Equal(t, 1, synced)
	assert.True(t, runner.called("rebase origin/feature/x"))
	assert.True(t, runner.called("push origin feature/x:refs/heads/feature/x --quiet"))

	// The divergence classification was logged, after no dirty log.
	require.NotEmpty(t, rec.lines)
	assert.Contains(t, rec.lines[0], "diverged")
}

func TestSyncDivergedRebaseFailureAborts(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "feature/x", 1, 1, false, "feature/x")
	runner.errors["rebase origin/feature/x"] = assert.AnError
	m, _ := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"feature/x"})
	assert.Zero(t, synced)
	assert.True(t, runner.called("rebase --abort"))
	assert.False(t, runner.called("push origin feature/x:refs/heads/feature/x --quiet"))
}

func TestSyncDivergedNotCheckedOutSkips(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "feature/x", 1, 1, false, "main")
	m, rec := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"feature/x"})
	assert.Zero(t, synced)
	assert.False(t, runner.called("rebase origin/feature/x"))
	require.NotEmpty(t, rec.lines)
	assert.Contains(t, rec.lines[0], "rebase requires checkout")
}

func TestSyncBehindCurrentPullsFFOnly(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "main", 0, 3, false, "main")
	m, _ := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"main"})
	assert.Equal(t, 1, synced)
	assert.True(t, runner.called("pull --ff-only --quiet"))
}

func TestSyncBehindNotCurrentUpdatesRef(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "develop", 0, 2, false, "main")
	m, _ := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"develop"})
	assert.Equal(t, 1, synced)
	assert.True(t, runner.called("update-ref refs/heads/develop refs/remotes/origin/develop"))
	assert.False(t, runner.called("pull --ff-only --quiet"))
}

func TestSyncMissingRemoteSkipped(t *testing.T) {
	runner := newFakeRunner()
	branchFixture(runner, "local-only", 1, 0, false, "main")
	runner.errors["show-ref --verify --quiet refs/remotes/origin/local-only"] = assert.AnError
	m, _ := newSyncFixture(runner)

	synced := m.SyncLocalTrackingBranches(context.Background(), []string{"local-only"})
	assert.Zero(t, synced)
	assert.False(t, runner.called("push origin local-only:refs/heads/local-only --quiet"))
}

// Property: for all {ahead, behind, dirty, checkedOut} tuples the manager
// picks the documented action and never logs a divergence classification
// before the dirty decision.
func TestSyncActionTableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ahead := rapid.IntRange(0, 3).Draw(t, "ahead")
		behind := rapid.IntRange(0, 3).Draw(t, "behind")
		dirty := rapid.Bool().Draw(t, "dirty")
		checkedOut := rapid.Bool().Draw(t, "checkedOut")

		const b = "work"
		current := "other"
		if checkedOut {
			current = b
		}

		runner := newFakeRunner()
		branchFixture(runner, b, ahead, behind, dirty, current)
		m, rec := newSyncFixture(runner)

		synced := m.SyncLocalTrackingBranches(context.Background(), []string{b})

		pushed := runner.called("push origin " + b + ":refs/heads/" + b + " --quiet")
		rebased := runner.called("rebase origin/" + b)
		pulled := runner.called("pull --ff-only --quiet")
		updatedRef := runner.called("update-ref refs/heads/" + b + " refs/remotes/origin/" + b)

		dirtyBlocks := behind > 0 && dirty && (ahead > 0 || checkedOut)

		switch {
		case ahead == 0 && behind == 0:
			assert.Zero(t, synced)
			assert.False(t, pushed || rebased || pulled || updatedRef)
		case ahead > 0 && behind == 0:
			assert.Equal(t, 1, synced)
			assert.True(t, pushed)
			assert.False(t, rebased || pulled || updatedRef)
		case ahead > 0 && behind > 0:
			if dirtyBlocks || !checkedOut {
				assert.Zero(t, synced)
				assert.False(t, rebased)
			} else {
				assert.Equal(t, 1, synced)
				assert.True(t, rebased)
				assert.True(t, pushed)
			}
		default: // ahead == 0, behind > 0
			if checkedOut {
				if dirtyBlocks {
					assert.Zero(t, synced)
					assert.False(t, pulled)
				} else {
					assert.Equal(t, 1, synced)
					assert.True(t, pulled)
				}
			} else {
				assert.Equal(t, 1, synced)
				assert.True(t, updatedRef)
			}
		}

		// Ordering: a dirty log, when present, precedes any diverged log.
		dirtyIdx, divergedIdx := -1, -1
		for i, line := range rec.lines {
			if strings.Contains(line, "uncommitted changes") && dirtyIdx == -1 {
				dirtyIdx = i
			}
			if strings.Contains(line, "diverged") && divergedIdx == -1 {
				divergedIdx = i
			}
		}
		if dirtyIdx != -1 && divergedIdx != -1 {
			assert.Less(t, dirtyIdx, divergedIdx)
		}
		if dirtyBlocks {
			assert.Equal(t, -1, divergedIdx, "dirty skip must suppress divergence logging")
		}
	})
}
