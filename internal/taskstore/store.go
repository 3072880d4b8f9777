// Package taskstore persists tasks as an append-only event log with a
// materialized view, backed by SQLite at {configDir}/tasks.db.
//
// The internal store is the source of truth for the kanban sync layer.
// Status transitions are guarded by the transition table in models; a
// rejected transition emits no event. Materialization is monotonic: replaying
// a task's events always yields the same final state.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/bosun/internal/models"
)

// Store manages the SQLite database holding the task event log.
type Store struct {
	db     *sql.DB
	dbPath string

	mu          sync.Mutex
	subscribers []chan models.TaskEvent
}

// NewStore creates a Store and initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return openAndInitStore(dbPath)
}

// openAndInitStore opens the database connection and applies migrations.
func openAndInitStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The event log is append-heavy and read from one process; a single
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// Close closes the database and all event subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrations are applied in order; schema_version records progress.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS task_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt_token TEXT,
		owner_id TEXT,
		payload TEXT,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_attempt_identity
		ON task_events(owner_id, attempt_token)
		WHERE type = 'AttemptStarted';`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		scope TEXT,
		body TEXT,
		status TEXT NOT NULL,
		labels TEXT,
		workspace_id TEXT,
		repo_ref TEXT,
		shared_state TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, archived);`,

	`CREATE TABLE IF NOT EXISTS attempts (
		attempt_token TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		executor_profile TEXT,
		branch_name TEXT,
		worktree_path TEXT,
		started_at TEXT NOT NULL,
		heartbeat_at TEXT,
		outcome TEXT NOT NULL,
		failure_kind TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, started_at);`,

	`CREATE TABLE IF NOT EXISTS kanban_mirror (
		task_id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		external_id TEXT NOT NULL,
		external_url TEXT,
		last_attempt_token TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mirror_external ON kanban_mirror(backend, external_id);`,
}

// migrate applies pending migrations and records the schema version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current := 0
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel observing all future task events. Observers
// must not mutate store state; slow observers drop events rather than block
// the writer.
func (s *Store) Subscribe() <-chan models.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan models.TaskEvent, 256)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// publish fans an event out to subscribers without blocking.
func (s *Store) publish(ev models.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events returns all events with seq greater than since, in order.
func (s *Store) Events(ctx context.Context, since int64) ([]models.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, task_id, COALESCE(attempt_token,''), COALESCE(owner_id,''), COALESCE(payload,''), recorded_at
		 FROM task_events WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.TaskEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
