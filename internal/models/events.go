package models

import "time"

// TaskEventType enumerates the append-only event log record types.
type TaskEventType string

// Event types, in the order they typically occur for one task.
const (
	EventTaskCreated       TaskEventType = "TaskCreated"
	EventTaskUpdated       TaskEventType = "TaskUpdated"
	EventAttemptStarted    TaskEventType = "AttemptStarted"
	EventAttemptHeartbeat  TaskEventType = "AttemptHeartbeat"
	EventAttemptCompleted  TaskEventType = "AttemptCompleted"
	EventTaskStatusChanged TaskEventType = "TaskStatusChanged"
	EventTaskArchived      TaskEventType = "TaskArchived"
)

// TaskEvent is one record in the append-only task log. Replaying a task's
// events in sequence order always yields the same materialized state.
type TaskEvent struct {
	// Seq is the store-assigned, strictly increasing sequence number.
	Seq int64 `json:"seq"`

	Type   TaskEventType `json:"type"`
	TaskID string        `json:"task_id"`

	// AttemptToken is set on Attempt* events.
	AttemptToken string `json:"attempt_token,omitempty"`

	// OwnerID is the orchestrator instance that produced the event.
	OwnerID string `json:"owner_id,omitempty"`

	// Payload carries the type-specific body, JSON-encoded.
	Payload []byte `json:"payload,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// TaskCreatedPayload is the body of an EventTaskCreated record.
type TaskCreatedPayload struct {
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	RepoRef     string   `json:"repo_ref,omitempty"`
}

// TaskUpdatedPayload is the body of an EventTaskUpdated record. Nil fields are
// left unchanged during materialization.
type TaskUpdatedPayload struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
}

// AttemptStartedPayload is the body of an EventAttemptStarted record.
type AttemptStartedPayload struct {
	ExecutorProfile string `json:"executor_profile"`
	BranchName      string `json:"branch_name"`
	WorktreePath    string `json:"worktree_path"`
}

// AttemptCompletedPayload is the body of an EventAttemptCompleted record.
type AttemptCompletedPayload struct {
	Outcome     AttemptOutcome `json:"outcome"`
	FailureKind string         `json:"failure_kind,omitempty"`
}

// StatusChangedPayload is the body of an EventTaskStatusChanged record.
type StatusChangedPayload struct {
	From TaskStatus `json:"from"`
	To   TaskStatus `json:"to"`
}
