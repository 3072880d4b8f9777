package kanban

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/bosun/internal/logger"
	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/taskstore"
)

// Store is the slice of the task store the syncer needs.
type Store interface {
	ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	CreateTask(ctx context.Context, p models.TaskCreatedPayload) (string, error)
	UpdateTask(ctx context.Context, taskID string, p models.TaskUpdatedPayload) error
	SetStatus(ctx context.Context, taskID string, to models.TaskStatus) error
	SetMirror(ctx context.Context, m taskstore.Mirror) error
	GetMirror(ctx context.Context, taskID string) (*taskstore.Mirror, error)
	FindByExternal(ctx context.Context, backend, externalID string) (*taskstore.Mirror, error)
}

// Syncer mirrors internal tasks to one external backend.
type Syncer struct {
	store   Store
	backend Backend
	policy  string
	log     logger.Logger
}

// NewSyncer creates a Syncer. Unknown policies fall back to internal-primary.
func NewSyncer(store Store, backend Backend, policy string, log logger.Logger) *Syncer {
	if policy != PolicyBidirectional {
		policy = PolicyInternalPrimary
	}
	if log == nil {
		log = logger.Discard
	}
	return &Syncer{store: store, backend: backend, policy: policy, log: log}
}

// Pull imports external items: unknown items become internal tasks; known
// items update internal state only as far as the policy allows. External
// edits never overwrite the internal body.
func (s *Syncer) Pull(ctx context.Context) error {
	items, err := s.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	for _, item := range items {
		mirror, err := s.store.FindByExternal(ctx, s.backend.Name(), item.Ref.ID)
		if errors.Is(err, taskstore.ErrNotFound) {
			if err := s.importItem(ctx, item); err != nil {
				s.log.Warnf("kanban: import %s item %s: %v", s.backend.Name(), item.Ref.ID, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		s.applyExternal(ctx, mirror, item)
	}
	return nil
}

// importItem creates the internal task for a board item first seen now.
func (s *Syncer) importItem(ctx context.Context, item Item) error {
	taskID, err := s.store.CreateTask(ctx, models.TaskCreatedPayload{
		Title:  item.Title,
		Body:   item.Body,
		Labels: MergeLabels(item.Labels),
	})
	if err != nil {
		return err
	}
	return s.store.SetMirror(ctx, taskstore.Mirror{
		TaskID:      taskID,
		Backend:     item.Ref.Backend,
		ExternalID:  item.Ref.ID,
		ExternalURL: item.Ref.URL,
	})
}

// applyExternal folds an already-mirrored item's external edits inward,
// subject to the sync policy.
func (s *Syncer) applyExternal(ctx context.Context, mirror *taskstore.Mirror, item Item) {
	task, err := s.store.GetTask(ctx, mirror.TaskID)
	if err != nil {
		s.log.Warnf("kanban: mirrored task %s missing: %v", mirror.TaskID, err)
		return
	}

	// Label edits are observed under both policies; the merge keeps the
	// canonical set present.
	if len(item.Labels) > 0 {
		merged := MergeLabels(item.Labels)
		if err := s.store.UpdateTask(ctx, task.ID, models.TaskUpdatedPayload{Labels: &merged}); err != nil {
			s.log.Warnf("kanban: update labels for %s: %v", task.ID, err)
		}
	}

	if s.policy != PolicyBidirectional {
		// internal-primary: external status edits are ignored.
		return
	}
	if item.Status == "" || item.Status == task.Status {
		return
	}
	if err := s.store.SetStatus(ctx, task.ID, item.Status); err != nil {
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) {
			s.log.Infof("kanban: external move of %s rejected: %v", task.ID, err)
			return
		}
		s.log.Warnf("kanban: set status for %s: %v", task.ID, err)
	}
}

// Push mirrors one internal task outward: creates the external item on first
// contact, enforces labels, aligns the status column, and writes shared
// state. All writes are correlated by the task's current attempt token;
// a replay for an already-pushed token skips the comment write entirely.
func (s *Syncer) Push(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	mirror, err := s.store.GetMirror(ctx, taskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		ref, createErr := s.backend.Create(ctx, Item{
			Title:  task.Title,
			Body:   task.Body,
			Labels: MergeLabels(task.Labels),
			Status: task.Status,
		})
		if createErr != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, createErr)
		}
		mirror = &taskstore.Mirror{
			TaskID:      taskID,
			Backend:     ref.Backend,
			ExternalID:  ref.ID,
			ExternalURL: ref.URL,
		}
		if err := s.store.SetMirror(ctx, *mirror); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ref := ExternalRef{Backend: mirror.Backend, ID: mirror.ExternalID, URL: mirror.ExternalURL}

	if err := s.backend.EnsureLabels(ctx, ref, MergeLabels(task.Labels)); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := s.backend.SetStatus(ctx, ref, task.Status); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := s.backend.WriteSharedState(ctx, ref, task.SharedState); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// At-most-once per attempt token: the attempt announcement comment is
	// written only when the token moves.
	token := task.SharedState.AttemptToken
	if token != "" && token != mirror.LastAttemptToken {
		body := fmt.Sprintf("Attempt `%s` by `%s` (retry %d).",
			token, task.SharedState.OwnerID, task.SharedState.RetryCount)
		if err := s.backend.Comment(ctx, ref, body, token); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		mirror.LastAttemptToken = token
		if err := s.store.SetMirror(ctx, *mirror); err != nil {
			return err
		}
	}
	return nil
}

// PushAll pushes every unarchived task, continuing past per-task failures.
// Returns the first backend error so the sweep step can fail.
func (s *Syncer) PushAll(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range tasks {
		if err := s.Push(ctx, t.ID); err != nil {
			s.log.Warnf("kanban: push %s: %v", t.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sync runs one full cycle: pull external items, then push internal state.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.Pull(ctx); err != nil {
		return err
	}
	return s.PushAll(ctx)
}
