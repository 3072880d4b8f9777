package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/bosun/internal/models"
)

// ErrAttemptInFlight is returned when a second attempt is started while the
// task's latest attempt is still pending.
var ErrAttemptInFlight = errors.New("task already has an active attempt")

// ErrNotFound is returned for unknown task ids and attempt tokens.
var ErrNotFound = errors.New("not found")

// appendEvents writes a batch of events and updates the materialized tables
// inside a single transaction, then publishes to subscribers. Batching keeps
// compound operations (an attempt start plus its status change) atomic: the
// event log and the view commit together or not at all.
func (s *Store) appendEvents(ctx context.Context, evs []*models.TaskEvent, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, ev := range evs {
		ev.RecordedAt = now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO task_events (type, task_id, attempt_token, owner_id, payload, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(ev.Type), ev.TaskID, ev.AttemptToken, ev.OwnerID, string(ev.Payload),
			ev.RecordedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("append %s event: %w", ev.Type, err)
		}
		ev.Seq, _ = res.LastInsertId()
	}

	if apply != nil {
		if err := apply(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ev := range evs {
		s.publish(*ev)
	}
	return nil
}

// appendEvent is the single-event form of appendEvents.
func (s *Store) appendEvent(ctx context.Context, ev *models.TaskEvent, apply func(tx *sql.Tx) error) error {
	return s.appendEvents(ctx, []*models.TaskEvent{ev}, apply)
}

// CreateTask appends a TaskCreated event and materializes the task in status
// todo. The task id is generated here.
func (s *Store) CreateTask(ctx context.Context, p models.TaskCreatedPayload) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", fmt.Errorf("task title is required")
	}
	id := uuid.NewString()
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	_, scope, _ := models.ParseTitleScope(p.Title)
	labels, err := json.Marshal(p.Labels)
	if err != nil {
		return "", err
	}

	ev := &models.TaskEvent{Type: models.EventTaskCreated, TaskID: id, Payload: payload}
	err = s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
		now := ev.RecordedAt.Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, title, scope, body, status, labels, workspace_id, repo_ref, shared_state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
			id, p.Title, scope, p.Body, string(models.StatusTodo), string(labels),
			p.WorkspaceID, p.RepoRef, now, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTask appends a TaskUpdated event. Nil payload fields leave the
// corresponding column unchanged.
func (s *Store) UpdateTask(ctx context.Context, taskID string, p models.TaskUpdatedPayload) error {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ev := &models.TaskEvent{Type: models.EventTaskUpdated, TaskID: taskID, Payload: payload}
	return s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
		now := ev.RecordedAt.Format(time.RFC3339Nano)
		if p.Title != nil {
			_, scope, _ := models.ParseTitleScope(*p.Title)
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET title = ?, scope = ?, updated_at = ? WHERE id = ?`, *p.Title, scope, now, taskID); err != nil {
				return err
			}
		}
		if p.Body != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET body = ?, updated_at = ? WHERE id = ?`, *p.Body, now, taskID); err != nil {
				return err
			}
		}
		if p.Labels != nil {
			labels, err := json.Marshal(*p.Labels)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET labels = ?, updated_at = ? WHERE id = ?`, string(labels), now, taskID); err != nil {
				return err
			}
		}
		return nil
	})
}

// StartAttempt appends an AttemptStarted event with a fresh attempt token and
// moves the task to in_progress. Rejected when the latest attempt is still
// pending or the status transition is invalid.
func (s *Store) StartAttempt(ctx context.Context, taskID, ownerID string, p models.AttemptStartedPayload) (string, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.ActiveAttempt() != nil {
		return "", fmt.Errorf("task %s: %w", taskID, ErrAttemptInFlight)
	}
	if !task.Status.CanTransition(models.StatusInProgress) {
		return "", &models.InvalidTransitionError{TaskID: taskID, From: task.Status, To: models.StatusInProgress}
	}

	token := uuid.NewString()
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	statusPayload, err := json.Marshal(models.StatusChangedPayload{
		From: task.Status,
		To:   models.StatusInProgress,
	})
	if err != nil {
		return "", err
	}

	started := &models.TaskEvent{
		Type:         models.EventAttemptStarted,
		TaskID:       taskID,
		AttemptToken: token,
		OwnerID:      ownerID,
		Payload:      payload,
	}
	moved := &models.TaskEvent{
		Type:    models.EventTaskStatusChanged,
		TaskID:  taskID,
		Payload: statusPayload,
	}

	// Both records commit in one transaction with the view update, so a
	// replayed log always sees the attempt and its in_progress transition
	// together.
	err = s.appendEvents(ctx, []*models.TaskEvent{started, moved}, func(tx *sql.Tx) error {
		now := started.RecordedAt.Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (attempt_token, task_id, owner_id, executor_profile, branch_name, worktree_path, started_at, heartbeat_at, outcome)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			token, taskID, ownerID, p.ExecutorProfile, p.BranchName, p.WorktreePath,
			now, now, string(models.OutcomePending)); err != nil {
			return err
		}
		return s.setStatusTx(ctx, tx, taskID, task.Status, models.StatusInProgress, now)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Heartbeat appends an AttemptHeartbeat event and bumps the attempt record.
func (s *Store) Heartbeat(ctx context.Context, attemptToken string) error {
	taskID, outcome, err := s.attemptMeta(ctx, attemptToken)
	if err != nil {
		return err
	}
	if outcome != models.OutcomePending {
		return fmt.Errorf("attempt %s is not pending", attemptToken)
	}
	ev := &models.TaskEvent{Type: models.EventAttemptHeartbeat, TaskID: taskID, AttemptToken: attemptToken}
	return s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE attempts SET heartbeat_at = ? WHERE attempt_token = ?`,
			ev.RecordedAt.Format(time.RFC3339Nano), attemptToken)
		return err
	})
}

// CompleteAttempt appends an AttemptCompleted event with the given outcome.
// Completing a non-pending attempt is rejected, which makes write replays
// harmless.
func (s *Store) CompleteAttempt(ctx context.Context, attemptToken string, outcome models.AttemptOutcome, failureKind string) error {
	taskID, current, err := s.attemptMeta(ctx, attemptToken)
	if err != nil {
		return err
	}
	if current != models.OutcomePending {
		return fmt.Errorf("attempt %s already completed", attemptToken)
	}

	payload, err := json.Marshal(models.AttemptCompletedPayload{Outcome: outcome, FailureKind: failureKind})
	if err != nil {
		return err
	}
	ev := &models.TaskEvent{
		Type:         models.EventAttemptCompleted,
		TaskID:       taskID,
		AttemptToken: attemptToken,
		Payload:      payload,
	}
	return s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE attempts SET outcome = ?, failure_kind = ? WHERE attempt_token = ?`,
			string(outcome), failureKind, attemptToken)
		return err
	})
}

// SetStatus transitions the task's status, enforcing the transition table.
// Invalid transitions return a typed error and append nothing.
func (s *Store) SetStatus(ctx context.Context, taskID string, to models.TaskStatus) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == to {
		return nil
	}
	if !task.Status.CanTransition(to) {
		return &models.InvalidTransitionError{TaskID: taskID, From: task.Status, To: to}
	}
	return s.appendStatusEvent(ctx, taskID, task.Status, to)
}

// appendStatusEvent writes the TaskStatusChanged record and updates the view.
func (s *Store) appendStatusEvent(ctx context.Context, taskID string, from, to models.TaskStatus) error {
	payload, err := json.Marshal(models.StatusChangedPayload{From: from, To: to})
	if err != nil {
		return err
	}
	ev := &models.TaskEvent{Type: models.EventTaskStatusChanged, TaskID: taskID, Payload: payload}
	return s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
		return s.setStatusTx(ctx, tx, taskID, from, to, ev.RecordedAt.Format(time.RFC3339Nano))
	})
}

// setStatusTx updates the materialized status column.
func (s *Store) setStatusTx(ctx context.Context, tx *sql.Tx, taskID string, from, to models.TaskStatus, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(to), now, taskID)
	return err
}

// UpdateSharedState persists the coordination record mirrored to the backend.
func (s *Store) UpdateSharedState(ctx context.Context, taskID string, state models.SharedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET shared_state = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// ArchiveCompleted archives terminal tasks whose last update is older than
// the cutoff. Returns how many were archived.
func (s *Store) ArchiveCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE archived = 0 AND status IN (?, ?) AND updated_at < ?`,
		string(models.StatusDone), string(models.StatusCancelled), cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	archived := 0
	for _, id := range ids {
		ev := &models.TaskEvent{Type: models.EventTaskArchived, TaskID: id}
		err := s.appendEvent(ctx, ev, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE tasks SET archived = 1, updated_at = ? WHERE id = ?`,
				ev.RecordedAt.Format(time.RFC3339Nano), id)
			return err
		})
		if err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// attemptMeta resolves an attempt token to its task and current outcome.
func (s *Store) attemptMeta(ctx context.Context, attemptToken string) (string, models.AttemptOutcome, error) {
	var taskID, outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, outcome FROM attempts WHERE attempt_token = ?`, attemptToken).
		Scan(&taskID, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("attempt %s: %w", attemptToken, ErrNotFound)
	}
	if err != nil {
		return "", "", err
	}
	return taskID, models.AttemptOutcome(outcome), nil
}
