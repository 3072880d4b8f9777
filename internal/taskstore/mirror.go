package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Mirror is the one-to-one pairing between an internal task and its external
// board item.
type Mirror struct {
	TaskID      string
	Backend     string
	ExternalID  string
	ExternalURL string

	// LastAttemptToken is the correlation id of the last outbound write,
	// used to keep replays at-most-once per attempt.
	LastAttemptToken string
}

// SetMirror records (or refreshes) a task's external pairing.
func (s *Store) SetMirror(ctx context.Context, m Mirror) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kanban_mirror (task_id, backend, external_id, external_url, last_attempt_token, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			backend = excluded.backend,
			external_id = excluded.external_id,
			external_url = excluded.external_url,
			last_attempt_token = excluded.last_attempt_token,
			updated_at = excluded.updated_at`,
		m.TaskID, m.Backend, m.ExternalID, m.ExternalURL, m.LastAttemptToken,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// GetMirror loads a task's external pairing.
func (s *Store) GetMirror(ctx context.Context, taskID string) (*Mirror, error) {
	var m Mirror
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, backend, external_id, COALESCE(external_url,''), COALESCE(last_attempt_token,'')
		 FROM kanban_mirror WHERE task_id = ?`, taskID).
		Scan(&m.TaskID, &m.Backend, &m.ExternalID, &m.ExternalURL, &m.LastAttemptToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByExternal resolves an external item back to its internal task.
func (s *Store) FindByExternal(ctx context.Context, backend, externalID string) (*Mirror, error) {
	var m Mirror
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, backend, external_id, COALESCE(external_url,''), COALESCE(last_attempt_token,'')
		 FROM kanban_mirror WHERE backend = ? AND external_id = ?`, backend, externalID).
		Scan(&m.TaskID, &m.Backend, &m.ExternalID, &m.ExternalURL, &m.LastAttemptToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
