// Package models defines the shared data model for the bosun orchestrator:
// tasks, task attempts, executor profiles, and the events that describe their
// lifecycle. Components reference each other's entities by opaque id only.
package models

import (
	"fmt"
	"time"
)

// TaskStatus is the kanban status of a task.
type TaskStatus string

// Task status values. "failed" is internal-only; external backends map it to
// their closest column.
const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusInReview   TaskStatus = "in_review"
	StatusDone       TaskStatus = "done"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// validTransitions is the authoritative status transition table.
// done and cancelled are terminal.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusTodo:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusInReview, StatusDone, StatusFailed, StatusCancelled},
	StatusInReview:   {StatusDone, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusInProgress, StatusCancelled},
	StatusDone:       {},
	StatusCancelled:  {},
}

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s.IsValid() && len(validTransitions[s]) == 0
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a status change violates the
// transition table. The store emits no event for rejected transitions.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition %s -> %s", e.TaskID, e.From, e.To)
}

// AttemptOutcome is the terminal (or pending) state of a single task attempt.
type AttemptOutcome string

// Attempt outcome values.
const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeFailure   AttemptOutcome = "failure"
	OutcomeCancelled AttemptOutcome = "cancelled"
)

// SharedState is the per-task coordination record mirrored onto the external
// backend so multiple tools can observe the same attempt. Field names are part
// of the external contract and must survive round-trips through any of the
// three storage modes (single JSON field, typed fields, comments+labels).
type SharedState struct {
	OwnerID        string    `json:"ownerId"`
	AttemptToken   string    `json:"attemptToken"`
	AttemptStarted time.Time `json:"attemptStarted"`
	Heartbeat      time.Time `json:"heartbeat"`
	RetryCount     int       `json:"retryCount"`
	IgnoreReason   string    `json:"ignoreReason,omitempty"`
}

// Task is the internal source-of-truth record for one unit of work.
type Task struct {
	// ID is the stable internal identifier.
	ID string

	// Title is conventional-commit parseable ("feat(api): add X").
	Title string

	// Scope is derived from the title; empty when the title has no scope.
	Scope string

	// Body is the free-form description. Under internal-primary sync the
	// internal body is never overwritten by external edits.
	Body string

	Status      TaskStatus
	SharedState SharedState
	Labels      []string
	WorkspaceID string

	// RepoRef names the git repository this task targets.
	RepoRef string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Attempts is the ordered attempt history, oldest first. At most one
	// attempt is active (outcome pending) at any time.
	Attempts []TaskAttempt
}

// ActiveAttempt returns the latest attempt if it is still pending, or nil.
func (t *Task) ActiveAttempt() *TaskAttempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	last := &t.Attempts[len(t.Attempts)-1]
	if last.Outcome == OutcomePending {
		return last
	}
	return nil
}

// TaskAttempt is a single execution cycle of a task under one executor. Each
// attempt has its own branch, worktree, and globally unique token;
// ownerID+attemptToken identifies an attempt across distributed orchestrators.
type TaskAttempt struct {
	AttemptToken    string
	OwnerID         string
	ExecutorProfile string
	BranchName      string
	WorktreePath    string
	StartedAt       time.Time
	HeartbeatAt     time.Time
	Outcome         AttemptOutcome

	// FailureKind classifies a failure outcome (e.g. "transient", "timeout",
	// "agent-error"). Empty unless Outcome is failure.
	FailureKind string
}
