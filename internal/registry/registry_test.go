package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func TestNewNormalization(t *testing.T) {
	r, err := New([]config.ExecutorConfig{
		{Name: "codex-main", Executor: "codex", Weight: 0},
		{Name: "claude-backup", Executor: "CLAUDE", Weight: -3},
		{Name: "gemini-third", Executor: "Gemini", Weight: 5},
		{Name: "oc-extra", Executor: "OPENCODE"},
	})
	require.NoError(t, err)

	profiles := r.Profiles()
	require.Len(t, profiles, 4)

	// Non-positive weights coerce to 1.
	assert.Equal(t, 1, profiles[0].Weight)
	assert.Equal(t, 1, profiles[1].Weight)
	assert.Equal(t, 5, profiles[2].Weight)

	// Positional role defaults.
	assert.Equal(t, models.RolePrimary, profiles[0].Role)
	assert.Equal(t, models.RoleBackup, profiles[1].Role)
	assert.Equal(t, models.RoleTertiary, profiles[2].Role)
	assert.Equal(t, "executor-4", profiles[3].Role)

	// Kind normalization is case-insensitive.
	assert.Equal(t, models.ExecutorCodex, profiles[0].Executor)
	assert.Equal(t, models.ExecutorGemini, profiles[2].Executor)
}

func TestNewSinglePrimaryFirstOccurrenceWins(t *testing.T) {
	r, err := New([]config.ExecutorConfig{
		{Name: "a", Executor: "CODEX", Role: "primary"},
		{Name: "b", Executor: "CLAUDE", Role: "primary"},
	})
	require.NoError(t, err)

	profiles := r.Profiles()
	primaries := 0
	for _, p := range profiles {
		if p.Role == models.RolePrimary {
			primaries++
			assert.Equal(t, "a", p.Name)
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Equal(t, "a", r.Primary().Name)
}

func TestNewPromotesFirstWhenNoPrimary(t *testing.T) {
	r, err := New([]config.ExecutorConfig{
		{Name: "a", Executor: "CODEX", Role: "backup"},
		{Name: "b", Executor: "CLAUDE", Role: "tertiary"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", r.Primary().Name)
}

func TestNewRejectsUnknownKindAndEmptyList(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]config.ExecutorConfig{{Name: "x", Executor: "CURSOR"}})
	assert.Error(t, err)
}

func TestIndexes(t *testing.T) {
	r, err := New([]config.ExecutorConfig{
		{Name: "codex-main", Executor: "CODEX"},
		{Name: "claude-backup", Executor: "CLAUDE"},
	})
	require.NoError(t, err)

	p, ok := r.ByName("claude-backup")
	require.True(t, ok)
	assert.Equal(t, models.ExecutorClaude, p.Executor)

	p, ok = r.ByRole(models.RoleBackup)
	require.True(t, ok)
	assert.Equal(t, "claude-backup", p.Name)

	_, ok = r.ByName("missing")
	assert.False(t, ok)
}

func TestRecordFailureDisablesAtThreshold(t *testing.T) {
	r, err := New([]config.ExecutorConfig{{Name: "codex-main", Executor: "CODEX"}})
	require.NoError(t, err)

	now := time.Now()
	assert.False(t, r.RecordFailure("codex-main", 3, 5*time.Minute, now))
	assert.False(t, r.RecordFailure("codex-main", 3, 5*time.Minute, now))
	assert.True(t, r.RecordFailure("codex-main", 3, 5*time.Minute, now))

	assert.Empty(t, r.Available(now))
	assert.NotEmpty(t, r.Available(now.Add(6*time.Minute)))
}

func TestRecordSuccessResets(t *testing.T) {
	r, err := New([]config.ExecutorConfig{{Name: "codex-main", Executor: "CODEX"}})
	require.NoError(t, err)

	now := time.Now()
	r.RecordFailure("codex-main", 1, 5*time.Minute, now)
	require.Empty(t, r.Available(now))

	r.RecordSuccess("codex-main")
	assert.NotEmpty(t, r.Available(now))
}

func TestAvailableSkipsDisabledProfiles(t *testing.T) {
	r, err := New([]config.ExecutorConfig{
		{Name: "a", Executor: "CODEX", Enabled: boolPtr(false)},
		{Name: "b", Executor: "CLAUDE"},
	})
	require.NoError(t, err)

	available := r.Available(time.Now())
	require.Len(t, available, 1)
	assert.Equal(t, "b", available[0].Name)
}

func TestStatuses(t *testing.T) {
	r, err := New([]config.ExecutorConfig{{Name: "a", Executor: "CODEX"}})
	require.NoError(t, err)

	now := time.Now()
	r.RecordFailure("a", 1, time.Minute, now)

	statuses := r.Statuses(now)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].CoolingDown)
}
