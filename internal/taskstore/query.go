package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/bosun/internal/models"
)

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask decodes one tasks row.
func scanTask(sc rowScanner) (*models.Task, error) {
	var t models.Task
	var labels, sharedState, createdAt, updatedAt string
	err := sc.Scan(&t.ID, &t.Title, &t.Scope, &t.Body, (*string)(&t.Status),
		&labels, &t.WorkspaceID, &t.RepoRef, &sharedState, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for task %s: %w", t.ID, err)
		}
	}
	if sharedState != "" {
		if err := json.Unmarshal([]byte(sharedState), &t.SharedState); err != nil {
			return nil, fmt.Errorf("decode shared state for task %s: %w", t.ID, err)
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

const taskColumns = `id, title, scope, body, status, COALESCE(labels,''), COALESCE(workspace_id,''), COALESCE(repo_ref,''), COALESCE(shared_state,''), created_at, updated_at`

// GetTask loads one task with its attempt history.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	attempts, err := s.attemptsFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.Attempts = attempts
	return t, nil
}

// attemptsFor loads a task's attempts, oldest first.
func (s *Store) attemptsFor(ctx context.Context, taskID string) ([]models.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_token, owner_id, COALESCE(executor_profile,''), COALESCE(branch_name,''),
		        COALESCE(worktree_path,''), started_at, COALESCE(heartbeat_at,''), outcome, COALESCE(failure_kind,'')
		 FROM attempts WHERE task_id = ? ORDER BY started_at, attempt_token`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.TaskAttempt
	for rows.Next() {
		var a models.TaskAttempt
		var startedAt, heartbeatAt string
		if err := rows.Scan(&a.AttemptToken, &a.OwnerID, &a.ExecutorProfile, &a.BranchName,
			&a.WorktreePath, &startedAt, &heartbeatAt, (*string)(&a.Outcome), &a.FailureKind); err != nil {
			return nil, err
		}
		a.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if heartbeatAt != "" {
			a.HeartbeatAt, _ = time.Parse(time.RFC3339Nano, heartbeatAt)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListTasks returns unarchived tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE archived = 0`
	args := []interface{}{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReadyTasks returns the supervisor's dispatch input: todo tasks, plus
// failed tasks eligible for retry (the transition table routes retries
// through failed -> in_progress, never back to todo). A failed task whose
// shared state carries an ignoreReason stays parked until an operator clears
// it.
func (s *Store) ReadyTasks(ctx context.Context) ([]*models.Task, error) {
	tasks, err := s.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	var ready []*models.Task
	for _, t := range tasks {
		if t.Status != models.StatusTodo && t.Status != models.StatusFailed {
			continue
		}
		if t.Status == models.StatusFailed && t.SharedState.IgnoreReason != "" {
			continue
		}
		full, err := s.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if full.ActiveAttempt() == nil {
			ready = append(ready, full)
		}
	}
	return ready, nil
}

// scanEvent decodes one task_events row.
func scanEvent(sc rowScanner) (models.TaskEvent, error) {
	var ev models.TaskEvent
	var evType, payload, recordedAt string
	if err := sc.Scan(&ev.Seq, &evType, &ev.TaskID, &ev.AttemptToken, &ev.OwnerID, &payload, &recordedAt); err != nil {
		return ev, err
	}
	ev.Type = models.TaskEventType(evType)
	if payload != "" {
		ev.Payload = []byte(payload)
	}
	ev.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return ev, nil
}
