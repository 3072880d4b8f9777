package taskstore

import (
	"encoding/json"
	"sort"

	"github.com/harrison/bosun/internal/models"
)

// Materialize replays an event log into per-task state. It is pure: the same
// log always yields the same result, and replaying a log twice over is
// equivalent to replaying it once (events apply by their own content, not by
// accumulation across duplicates of the full log).
//
// The store's own tables are maintained incrementally; this function exists
// for verification, recovery, and external consumers of the event stream.
func Materialize(events []models.TaskEvent) map[string]*models.Task {
	sorted := append([]models.TaskEvent{}, events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	tasks := make(map[string]*models.Task)
	for _, ev := range sorted {
		applyEvent(tasks, ev)
	}
	return tasks
}

// applyEvent folds one event into the task map.
func applyEvent(tasks map[string]*models.Task, ev models.TaskEvent) {
	switch ev.Type {
	case models.EventTaskCreated:
		var p models.TaskCreatedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if _, exists := tasks[ev.TaskID]; exists {
			return
		}
		_, scope, _ := models.ParseTitleScope(p.Title)
		tasks[ev.TaskID] = &models.Task{
			ID:          ev.TaskID,
			Title:       p.Title,
			Scope:       scope,
			Body:        p.Body,
			Labels:      p.Labels,
			WorkspaceID: p.WorkspaceID,
			RepoRef:     p.RepoRef,
			Status:      models.StatusTodo,
			CreatedAt:   ev.RecordedAt,
			UpdatedAt:   ev.RecordedAt,
		}

	case models.EventTaskUpdated:
		t := tasks[ev.TaskID]
		if t == nil {
			return
		}
		var p models.TaskUpdatedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.Title != nil {
			t.Title = *p.Title
			_, t.Scope, _ = models.ParseTitleScope(*p.Title)
		}
		if p.Body != nil {
			t.Body = *p.Body
		}
		if p.Labels != nil {
			t.Labels = *p.Labels
		}
		t.UpdatedAt = ev.RecordedAt

	case models.EventAttemptStarted:
		t := tasks[ev.TaskID]
		if t == nil {
			return
		}
		for _, a := range t.Attempts {
			if a.AttemptToken == ev.AttemptToken {
				return
			}
		}
		var p models.AttemptStartedPayload
		_ = json.Unmarshal(ev.Payload, &p)
		t.Attempts = append(t.Attempts, models.TaskAttempt{
			AttemptToken:    ev.AttemptToken,
			OwnerID:         ev.OwnerID,
			ExecutorProfile: p.ExecutorProfile,
			BranchName:      p.BranchName,
			WorktreePath:    p.WorktreePath,
			StartedAt:       ev.RecordedAt,
			HeartbeatAt:     ev.RecordedAt,
			Outcome:         models.OutcomePending,
		})
		t.UpdatedAt = ev.RecordedAt

	case models.EventAttemptHeartbeat:
		t := tasks[ev.TaskID]
		if t == nil {
			return
		}
		for i := range t.Attempts {
			if t.Attempts[i].AttemptToken == ev.AttemptToken {
				if ev.RecordedAt.After(t.Attempts[i].HeartbeatAt) {
					t.Attempts[i].HeartbeatAt = ev.RecordedAt
				}
				return
			}
		}

	case models.EventAttemptCompleted:
		t := tasks[ev.TaskID]
		if t == nil {
			return
		}
		var p models.AttemptCompletedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		for i := range t.Attempts {
			if t.Attempts[i].AttemptToken == ev.AttemptToken {
				if t.Attempts[i].Outcome == models.OutcomePending {
					t.Attempts[i].Outcome = p.Outcome
					t.Attempts[i].FailureKind = p.FailureKind
				}
				t.UpdatedAt = ev.RecordedAt
				return
			}
		}

	case models.EventTaskStatusChanged:
		t := tasks[ev.TaskID]
		if t == nil {
			return
		}
		var p models.StatusChangedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		t.Status = p.To
		t.UpdatedAt = ev.RecordedAt

	case models.EventTaskArchived:
		// Archival removes the task from active views; the replayed map
		// keeps it with its terminal status.
	}
}
