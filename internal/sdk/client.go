// Package sdk invokes agent CLIs as opaque request/response units.
//
// The orchestrator never speaks the LLM protocols itself: each executor kind
// maps to a command-line binary that accepts a prompt and emits a final
// answer. Output is not unified beyond final text plus token usage.
package sdk

import (
	"context"
	"strings"
	"time"
)

// Request holds per-invocation configuration for one agent call.
// Create a new Request for each invocation.
type Request struct {
	// Prompt is the task prompt (required).
	Prompt string

	// Variant is the model token passed through to the CLI, when set.
	Variant string

	// WorkDir is the worktree the agent operates in.
	WorkDir string

	// ResumeID resumes a previous session when the CLI supports it.
	ResumeID string

	// Env holds extra environment entries ("KEY=value") such as the task
	// context flags for hook bridges.
	Env []string
}

// Response is the normalized result of one agent call.
type Response struct {
	// FinalText is the agent's final answer.
	FinalText string

	// InputTokens and OutputTokens are usage counts when the CLI reports
	// them, zero otherwise.
	InputTokens  int64
	OutputTokens int64

	// SessionID identifies the CLI session for resumption.
	SessionID string
}

// Client executes agent requests. This is the boundary the supervisor and
// the pooled worker both call through; implementations wrap one CLI binary.
type Client interface {
	// SDK returns the adapter slug used by the bus gate ("codex", "claude", …).
	SDK() string

	// Invoke runs one request to completion. Context cancellation kills the
	// child process.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// DefaultTimeout bounds a single agent invocation when the caller's context
// carries no deadline.
const DefaultTimeout = 30 * time.Minute

// transientMarkers are output fragments that classify a failure as transient
// for cooldown purposes.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"overloaded",
	"temporarily unavailable",
	"timeout",
	"timed out",
	"connection reset",
}

// IsTransient reports whether an invocation error should feed the adapter
// cooldown rather than fail the profile outright.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
