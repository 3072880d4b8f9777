// Package config loads and validates bosun configuration.
//
// Configuration is read from {bosun home}/config.yaml. The file may nest all
// settings under a top-level "bosun:" key, or under the legacy "openfleet:"
// alias; both resolve to the same canonical Config. Environment variables
// override file values where documented.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig is one entry of the executors list, before normalization by
// the registry. Missing weights and roles are filled in there.
type ExecutorConfig struct {
	// Name is a unique slug for the profile
	Name string `yaml:"name"`

	// Executor selects the SDK: CODEX, COPILOT, CLAUDE, GEMINI, OPENCODE
	Executor string `yaml:"executor"`

	// Variant is the model token passed through to the SDK
	Variant string `yaml:"variant"`

	// Weight is the relative share under weighted distribution
	Weight int `yaml:"weight"`

	// Role is primary, backup, tertiary, or executor-N
	Role string `yaml:"role"`

	// Enabled defaults to true when omitted
	Enabled *bool `yaml:"enabled"`
}

// RoutingConfig controls executor selection and failover.
type RoutingConfig struct {
	// Distribution is weighted, round-robin, or primary-only
	Distribution string `yaml:"distribution"`

	// Failover is next-in-line, weighted-random, or round-robin
	Failover string `yaml:"failover"`

	// MaxRetries bounds candidates tried per dispatch
	MaxRetries int `yaml:"max_retries"`

	// CooldownMinutes is how long a profile stays disabled after repeated failures
	CooldownMinutes int `yaml:"cooldown_minutes"`

	// DisableOnConsecutiveFailures is the failure count that triggers a cooldown
	DisableOnConsecutiveFailures int `yaml:"disable_on_consecutive_failures"`
}

// BranchConfig controls branch sync and stale-branch cleanup.
type BranchConfig struct {
	// ProtectedBranches are never deleted by cleanup
	ProtectedBranches []string `yaml:"protected_branches"`

	// StalePrefixes are the branch name prefixes eligible for cleanup
	StalePrefixes []string `yaml:"stale_prefixes"`

	// MinAge is how old a branch's last commit must be before deletion
	MinAge time.Duration `yaml:"min_age"`

	// SyncBranches are the tracking branches synced during a sweep
	SyncBranches []string `yaml:"sync_branches"`

	// LogThrottle is the per-key window for branch sync logs.
	// Overridden by BRANCH_SYNC_LOG_THROTTLE_MS.
	LogThrottle time.Duration `yaml:"log_throttle"`
}

// KanbanConfig selects and configures the external board backend.
type KanbanConfig struct {
	// Backend is github, jira, or vk. Empty disables external sync.
	Backend string `yaml:"backend"`

	// SyncPolicy is internal-primary (default) or bidirectional
	SyncPolicy string `yaml:"sync_policy"`

	// SharedStateMode is json-field, typed-fields, or comments-labels.
	// Empty selects automatically per backend capability.
	SharedStateMode string `yaml:"shared_state_mode"`

	// GitHub backend settings
	GitHub GitHubConfig `yaml:"github"`

	// Jira backend settings
	Jira JiraConfig `yaml:"jira"`

	// VK backend settings
	VK VKConfig `yaml:"vk"`
}

// GitHubConfig configures the gh-CLI backed GitHub Issues+Projects backend.
type GitHubConfig struct {
	// Repo is owner/name; empty means the repo of the current directory
	Repo string `yaml:"repo"`

	// Project is the Projects v2 title used for status columns
	Project string `yaml:"project"`

	// WebhookSecret verifies X-Hub-Signature-256 on inbound webhook payloads
	WebhookSecret string `yaml:"webhook_secret"`
}

// JiraConfig configures the REST v3 Jira backend.
type JiraConfig struct {
	BaseURL    string `yaml:"base_url"`
	ProjectKey string `yaml:"project_key"`
	Email      string `yaml:"email"`
	APIToken   string `yaml:"api_token"`

	// SubtaskParentKey is required when IssueType is a subtask type
	IssueType        string `yaml:"issue_type"`
	SubtaskParentKey string `yaml:"subtask_parent_key"`
}

// VKConfig configures the Vibe-Kanban backend.
type VKConfig struct {
	BaseURL   string `yaml:"base_url"`
	ProjectID string `yaml:"project_id"`
}

// SweepConfig controls the maintenance sweeper.
type SweepConfig struct {
	// Interval between sweeps
	Interval time.Duration `yaml:"interval"`

	// PushMaxAge is how old a git push process must be before it is reaped
	PushMaxAge time.Duration `yaml:"push_max_age"`

	// WorktreeMaxAge is the age threshold for legacy task worktrees
	// (dated copilot, vibe-kanban)
	WorktreeMaxAge time.Duration `yaml:"worktree_max_age"`

	// ArchiveAfter moves terminal tasks older than this out of the board.
	// Zero disables archiving.
	ArchiveAfter time.Duration `yaml:"archive_after"`
}

// LockConfig controls the singleton lock.
type LockConfig struct {
	// DuplicateWarnThrottle is the window for duplicate-start warnings.
	// Overridden by MONITOR_DUPLICATE_START_WARN_THROTTLE_MS.
	DuplicateWarnThrottle time.Duration `yaml:"duplicate_warn_throttle"`
}

// Config is the canonical bosun configuration.
type Config struct {
	// LogLevel sets logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// RepoRoot is the git repository the orchestrator manages
	RepoRoot string `yaml:"repo_root"`

	// BaseBranch is the branch new task branches derive from
	BaseBranch string `yaml:"base_branch"`

	Executors []ExecutorConfig `yaml:"executors"`
	Routing   RoutingConfig    `yaml:"routing"`
	Branch    BranchConfig     `yaml:"branch"`
	Kanban    KanbanConfig     `yaml:"kanban"`
	Sweep     SweepConfig      `yaml:"sweep"`
	Lock      LockConfig       `yaml:"lock"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		BaseBranch: "main",
		Routing: RoutingConfig{
			Distribution:                 "primary-only",
			Failover:                     "next-in-line",
			MaxRetries:                   3,
			CooldownMinutes:              5,
			DisableOnConsecutiveFailures: 3,
		},
		Branch: BranchConfig{
			ProtectedBranches: []string{"main", "mainnet/main"},
			StalePrefixes:     []string{"ve/", "copilot-worktree-"},
			MinAge:            24 * time.Hour,
			SyncBranches:      []string{"main"},
			LogThrottle:       5 * time.Minute,
		},
		Kanban: KanbanConfig{
			SyncPolicy: "internal-primary",
		},
		Sweep: SweepConfig{
			Interval:       10 * time.Minute,
			PushMaxAge:     15 * time.Minute,
			WorktreeMaxAge: 7 * 24 * time.Hour,
		},
		Lock: LockConfig{
			DuplicateWarnThrottle: time.Minute,
		},
	}
}

// brandedFile mirrors the two accepted top-level layouts: settings nested
// under "bosun:"/"openfleet:" or flat at the root.
type brandedFile struct {
	Bosun     *Config `yaml:"bosun"`
	Openfleet *Config `yaml:"openfleet"`
}

// Load reads the config file at path, applies defaults, environment
// overrides, and validation. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	parsed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = parsed

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into a Config on top of defaults, honoring the
// bosun/openfleet branding aliases. When both keys are present, "bosun" wins;
// the loader never merges or migrates data between the two.
func Parse(data []byte) (*Config, error) {
	var branded brandedFile
	if err := yaml.Unmarshal(data, &branded); err == nil {
		if branded.Bosun != nil {
			return withDefaults(data, "bosun")
		}
		if branded.Openfleet != nil {
			return withDefaults(data, "openfleet")
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withDefaults re-decodes the named subtree over a defaulted Config so that
// omitted fields keep their default values.
func withDefaults(data []byte, key string) (*Config, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	node, ok := raw[key]
	if !ok {
		return nil, fmt.Errorf("missing %q section", key)
	}
	cfg := DefaultConfig()
	if err := node.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies documented environment variables over cfg.
// Throttle windows have a 5 s floor; values below it are ignored.
func applyEnvOverrides(cfg *Config) {
	if ms, ok := envMillis("BRANCH_SYNC_LOG_THROTTLE_MS"); ok {
		cfg.Branch.LogThrottle = ms
	}
	if ms, ok := envMillis("MONITOR_DUPLICATE_START_WARN_THROTTLE_MS"); ok {
		cfg.Lock.DuplicateWarnThrottle = ms
	}
}

// envMillis reads a millisecond env var, enforcing the 5000 ms floor.
func envMillis(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 5000 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Validate checks cross-field constraints not expressible in the YAML shape.
func (c *Config) Validate() error {
	switch c.Routing.Distribution {
	case "", "weighted", "round-robin", "primary-only":
	default:
		return fmt.Errorf("unknown distribution %q", c.Routing.Distribution)
	}
	switch c.Routing.Failover {
	case "", "next-in-line", "weighted-random", "round-robin":
	default:
		return fmt.Errorf("unknown failover strategy %q", c.Routing.Failover)
	}
	switch c.Kanban.SyncPolicy {
	case "", "internal-primary", "bidirectional":
	default:
		return fmt.Errorf("unknown sync policy %q", c.Kanban.SyncPolicy)
	}
	switch c.Kanban.Backend {
	case "", "github", "jira", "vk":
	default:
		return fmt.Errorf("unknown kanban backend %q", c.Kanban.Backend)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.Routing.MaxRetries)
	}
	seen := make(map[string]bool, len(c.Executors))
	for _, e := range c.Executors {
		if e.Name == "" {
			return fmt.Errorf("executor entry missing name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate executor name %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
