// Package kanban mirrors the internal task store onto exactly one external
// board backend (GitHub Issues+Projects, Jira, or Vibe-Kanban).
//
// Direction of truth is governed by the sync policy: under internal-primary
// (the default) external status edits are ignored and internal state always
// wins; under bidirectional, external status changes drive internal status
// through the mapping tables. Every synced item carries the canonical
// "bosun" label plus the legacy "codex-monitor" alias; label sets are merged,
// never replaced.
package kanban

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/bosun/internal/models"
)

// Canonical labels enforced on every synced external item.
const (
	LabelCanonical = "bosun"
	LabelLegacy    = "codex-monitor"
)

// Sync policies.
const (
	PolicyInternalPrimary = "internal-primary"
	PolicyBidirectional   = "bidirectional"
)

// ErrBackendUnavailable marks a failed backend call; the sweep step fails
// and the next sweep retries.
var ErrBackendUnavailable = errors.New("kanban backend unavailable")

// AuthError signals missing or rejected backend credentials and carries a
// remediation hint for the operator.
type AuthError struct {
	Backend string
	Hint    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication missing (%s)", e.Backend, e.Hint)
}

// ExternalRef identifies one item on the external board.
type ExternalRef struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
}

// Item is the backend-neutral view of one external board item.
type Item struct {
	Ref    ExternalRef
	Title  string
	Body   string
	Labels []string

	// Status is the internal status the backend-native column maps to.
	Status models.TaskStatus

	// SharedState is the coordination record as read back by List, nil when
	// absent. The VK backend decodes its shared_state field; the GitHub
	// backend reads only a bosun-state block in the issue body, not the
	// marker comment its WriteSharedState writes; the Jira backend leaves it
	// nil.
	SharedState *models.SharedState
}

// Backend is one external board. Implementations are stateless beyond their
// client configuration; idempotency bookkeeping lives in the syncer.
type Backend interface {
	// Name returns the backend slug ("github", "jira", "vk").
	Name() string

	// List returns all board items carrying the canonical label.
	List(ctx context.Context) ([]Item, error)

	// Create opens a new item and returns its reference.
	Create(ctx context.Context, item Item) (ExternalRef, error)

	// SetStatus moves the item to the column mapped from status.
	SetStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error

	// EnsureLabels merges the given labels into the item's label set.
	EnsureLabels(ctx context.Context, ref ExternalRef, labels []string) error

	// WriteSharedState persists the coordination record in the backend's
	// shared-state storage mode.
	WriteSharedState(ctx context.Context, ref ExternalRef, state models.SharedState) error

	// Comment appends a comment. correlationID is embedded so replays can be
	// detected; implementations must not duplicate a comment whose
	// correlation id is already present.
	Comment(ctx context.Context, ref ExternalRef, body, correlationID string) error
}
