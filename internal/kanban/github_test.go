package kanban

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

// fakeGH answers gh invocations keyed by joined args prefix.
type fakeGH struct {
	responses map[string]string
	calls     []string
}

func newFakeGH() *fakeGH {
	return &fakeGH{responses: make(map[string]string)}
}

func (f *fakeGH) Run(ctx context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix, out := range f.responses {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeGH) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newGHBackend(runner *fakeGH) *GitHubBackend {
	return NewGitHubBackendWithRunner(config.GitHubConfig{Repo: "acme/widgets"}, runner)
}

func TestGitHubList(t *testing.T) {
	runner := newFakeGH()
	runner.responses["issue list"] = `[
		{"number": 12, "title": "feat(api): add X", "body": "details", "state": "OPEN",
		 "url": "https://github.com/acme/widgets/issues/12",
		 "labels": [{"name": "bosun"}, {"name": "p1"}]},
		{"number": 13, "title": "fix(y): closed one", "body": "", "state": "CLOSED",
		 "url": "https://github.com/acme/widgets/issues/13", "labels": []}
	]`

	b := newGHBackend(runner)
	items, err := b.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "12", items[0].Ref.ID)
	assert.Equal(t, models.StatusTodo, items[0].Status)
	assert.Equal(t, []string{"bosun", "p1"}, items[0].Labels)
	assert.Equal(t, models.StatusDone, items[1].Status)
}

func TestGitHubCreateParsesIssueNumber(t *testing.T) {
	runner := newFakeGH()
	runner.responses["issue create"] = "https://github.com/acme/widgets/issues/42\n"

	b := newGHBackend(runner)
	ref, err := b.Create(context.Background(), Item{Title: "feat(api): new", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "42", ref.ID)
	assert.Equal(t, "github", ref.Backend)

	// The canonical labels ride along on creation.
	assert.True(t, runner.called("issue create"))
	joined := strings.Join(runner.calls, "\n")
	assert.Contains(t, joined, LabelCanonical)
	assert.Contains(t, joined, LabelLegacy)
}

func TestGitHubSetStatusClosesForDone(t *testing.T) {
	runner := newFakeGH()
	runner.responses["issue view"] = `{"number": 12, "state": "OPEN"}`

	b := newGHBackend(runner)
	require.NoError(t, b.SetStatus(context.Background(), ExternalRef{ID: "12"}, models.StatusDone))
	assert.True(t, runner.called("issue close 12"))
}

func TestGitHubSetStatusReplayDoesNotReopenClosed(t *testing.T) {
	runner := newFakeGH()
	runner.responses["issue view"] = `{"number": 12, "state": "CLOSED"}`

	b := newGHBackend(runner)
	// Replaying done against an already-closed issue is a no-op.
	require.NoError(t, b.SetStatus(context.Background(), ExternalRef{ID: "12"}, models.StatusDone))
	assert.False(t, runner.called("issue close 12"))
	assert.False(t, runner.called("issue reopen 12"))
}

func TestGitHubSetStatusReopensForActiveStatus(t *testing.T) {
	runner := newFakeGH()
	runner.responses["issue view"] = `{"number": 12, "state": "CLOSED"}`

	b := newGHBackend(runner)
	require.NoError(t, b.SetStatus(context.Background(), ExternalRef{ID: "12"}, models.StatusInProgress))
	assert.True(t, runner.called("issue reopen 12"))
}

func TestGitHubCommentIdempotent(t *testing.T) {
	runner := newFakeGH()
	runner.responses["api repos/acme/widgets/issues/12/comments"] = `[
		{"id": 1, "body": "<!-- bosun:tok-1 -->\nAttempt tok-1"}
	]`

	b := newGHBackend(runner)

	// Same correlation id: skipped.
	require.NoError(t, b.Comment(context.Background(), ExternalRef{ID: "12"}, "Attempt tok-1", "tok-1"))
	assert.False(t, runner.called("issue comment 12"))

	// New correlation id: posted.
	require.NoError(t, b.Comment(context.Background(), ExternalRef{ID: "12"}, "Attempt tok-2", "tok-2"))
	assert.True(t, runner.called("issue comment 12"))
}

func TestGitHubWriteSharedStateUpsertsMarkerComment(t *testing.T) {
	runner := newFakeGH()
	runner.responses["api repos/acme/widgets/issues/12/comments"] = `[
		{"id": 99, "body": "<!-- bosun-shared-state -->\nold"}
	]`

	b := newGHBackend(runner)
	require.NoError(t, b.WriteSharedState(context.Background(), ExternalRef{ID: "12"}, sampleState()))

	// Existing marker comment is patched, not duplicated.
	assert.True(t, runner.called("api -X PATCH repos/acme/widgets/issues/comments/99"))
	assert.False(t, runner.called("issue comment 12"))
}

func TestGitHubEnsureLabelsIsAdditive(t *testing.T) {
	runner := newFakeGH()
	b := newGHBackend(runner)

	require.NoError(t, b.EnsureLabels(context.Background(), ExternalRef{ID: "12"}, []string{"p1"}))
	assert.True(t, runner.called("issue edit 12 --add-label"))
	for _, c := range runner.calls {
		assert.NotContains(t, c, "--remove-label")
	}
}
