package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "primary-only", cfg.Routing.Distribution)
	assert.Equal(t, 3, cfg.Routing.MaxRetries)
	assert.Equal(t, 5, cfg.Routing.CooldownMinutes)
	assert.Equal(t, []string{"main", "mainnet/main"}, cfg.Branch.ProtectedBranches)
	assert.Equal(t, []string{"ve/", "copilot-worktree-"}, cfg.Branch.StalePrefixes)
	assert.Equal(t, 24*time.Hour, cfg.Branch.MinAge)
	assert.Equal(t, "internal-primary", cfg.Kanban.SyncPolicy)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.PushMaxAge)
	require.NoError(t, cfg.Validate())
}

func TestParseFlat(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
repo_root: /srv/repo
executors:
  - name: codex-main
    executor: CODEX
    weight: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/repo", cfg.RepoRoot)
	require.Len(t, cfg.Executors, 1)
	assert.Equal(t, 3, cfg.Executors[0].Weight)
	// Defaults survive partial files.
	assert.Equal(t, "primary-only", cfg.Routing.Distribution)
}

func TestParseBrandedBosun(t *testing.T) {
	cfg, err := Parse([]byte(`
bosun:
  log_level: warn
  routing:
    distribution: weighted
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "weighted", cfg.Routing.Distribution)
	assert.Equal(t, 3, cfg.Routing.MaxRetries, "defaults apply inside branded section")
}

func TestParseBrandedOpenfleetAlias(t *testing.T) {
	cfg, err := Parse([]byte(`
openfleet:
  log_level: trace
`))
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestParseBosunWinsOverOpenfleet(t *testing.T) {
	cfg, err := Parse([]byte(`
openfleet:
  log_level: trace
bosun:
  log_level: error
`))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvThrottleOverrides(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"valid value", "60000", time.Minute},
		{"below floor ignored", "100", 5 * time.Minute},
		{"garbage ignored", "soon", 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BRANCH_SYNC_LOG_THROTTLE_MS", tt.value)
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			assert.Equal(t, tt.want, cfg.Branch.LogThrottle)
		})
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.Distribution = "random"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Kanban.Backend = "trello"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Executors = []ExecutorConfig{{Name: "a"}, {Name: "a"}}
	assert.Error(t, cfg.Validate())
}

func TestGetBosunDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "bosun")
	t.Setenv(EnvBosunDir, dir)

	got, err := GetBosunDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTaskContext(t *testing.T) {
	t.Setenv(EnvBosunTaskID, "task-42")
	t.Setenv(EnvBosunManaged, "1")

	taskID, managed := TaskContext()
	assert.Equal(t, "task-42", taskID)
	assert.True(t, managed)
}
