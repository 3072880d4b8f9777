package models

import "time"

// ExecutorKind identifies which agent SDK an executor profile drives.
type ExecutorKind string

// Supported executor kinds.
const (
	ExecutorCodex    ExecutorKind = "CODEX"
	ExecutorCopilot  ExecutorKind = "COPILOT"
	ExecutorClaude   ExecutorKind = "CLAUDE"
	ExecutorGemini   ExecutorKind = "GEMINI"
	ExecutorOpencode ExecutorKind = "OPENCODE"
)

// IsValid reports whether k is a known executor kind.
func (k ExecutorKind) IsValid() bool {
	switch k {
	case ExecutorCodex, ExecutorCopilot, ExecutorClaude, ExecutorGemini, ExecutorOpencode:
		return true
	}
	return false
}

// Role names for executor profiles. Profiles beyond the third default to
// "executor-N".
const (
	RolePrimary  = "primary"
	RoleBackup   = "backup"
	RoleTertiary = "tertiary"
)

// ExecutorProfile is a normalized executor configuration entry. Exactly one
// profile in a registry carries RolePrimary.
type ExecutorProfile struct {
	// Name is a unique slug for the profile.
	Name string

	Executor ExecutorKind

	// Variant is an opaque model token passed through to the SDK
	// (e.g. "gpt-5-codex", "sonnet").
	Variant string

	// Weight is the relative share under weighted distribution. Always >= 1
	// after normalization.
	Weight int

	Role    string
	Enabled bool

	// ConsecutiveFailures counts failures since the last success. Reaching
	// the router's disable threshold sets DisabledUntil.
	ConsecutiveFailures int

	// DisabledUntil is a monotonic instant (time.Time carrying a monotonic
	// reading) before which the router skips this profile. Zero when the
	// profile is not cooling down.
	DisabledUntil time.Time
}

// Available reports whether the profile may receive work at instant now.
func (p *ExecutorProfile) Available(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if !p.DisabledUntil.IsZero() && now.Before(p.DisabledUntil) {
		return false
	}
	return true
}

// ExecutorStatus is a point-in-time snapshot exposed to external observers
// (notification channels, status commands).
type ExecutorStatus struct {
	Name                string       `json:"name"`
	Executor            ExecutorKind `json:"executor"`
	Role                string       `json:"role"`
	Enabled             bool         `json:"enabled"`
	CoolingDown         bool         `json:"cooling_down"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ActiveSession       string       `json:"active_session,omitempty"`
}
