package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

// VKBackend drives a Vibe-Kanban board over its REST API. VK's status model
// matches the internal one nearly 1:1, so no column discovery is needed.
// Shared state is stored as a JSON field on the task payload.
type VKBackend struct {
	cfg    config.VKConfig
	client *http.Client
}

// vkStatusNames maps internal statuses to VK's wire values.
var vkStatusNames = map[models.TaskStatus]string{
	models.StatusTodo:       "todo",
	models.StatusInProgress: "inprogress",
	models.StatusInReview:   "inreview",
	models.StatusDone:       "done",
	models.StatusFailed:     "inprogress",
	models.StatusCancelled:  "cancelled",
}

// NewVKBackend creates the backend.
func NewVKBackend(cfg config.VKConfig) (*VKBackend, error) {
	if cfg.BaseURL == "" || cfg.ProjectID == "" {
		return nil, &AuthError{Backend: "vk", Hint: "set base_url and project_id in the vk section"}
	}
	return &VKBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (b *VKBackend) Name() string {
	return "vk"
}

// do issues one REST call against the VK API.
func (b *VKBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(b.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("vk %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// vkTask mirrors the VK task payload.
type vkTask struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Labels      []string        `json:"labels"`
	SharedState json.RawMessage `json:"shared_state,omitempty"`
}

// tasksPath is the project's task collection path.
func (b *VKBackend) tasksPath() string {
	return "/api/projects/" + b.cfg.ProjectID + "/tasks"
}

// List returns the project's tasks carrying the canonical or the legacy label.
func (b *VKBackend) List(ctx context.Context) ([]Item, error) {
	var tasks []vkTask
	if err := b.do(ctx, http.MethodGet, b.tasksPath(), nil, &tasks); err != nil {
		return nil, err
	}

	var items []Item
	for _, t := range tasks {
		if !hasLabel(t.Labels, LabelCanonical) && !hasLabel(t.Labels, LabelLegacy) {
			continue
		}
		status, _ := StatusForColumn(t.Status)
		item := Item{
			Ref:    ExternalRef{Backend: "vk", ID: t.ID, URL: strings.TrimRight(b.cfg.BaseURL, "/") + "/tasks/" + t.ID},
			Title:  t.Title,
			Body:   t.Description,
			Labels: t.Labels,
			Status: status,
		}
		if len(t.SharedState) > 0 {
			if state, err := DecodeSharedState(t.SharedState); err == nil {
				item.SharedState = state
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Create opens a new task.
func (b *VKBackend) Create(ctx context.Context, item Item) (ExternalRef, error) {
	payload := vkTask{
		Title:       item.Title,
		Description: item.Body,
		Status:      vkStatusNames[item.Status],
		Labels:      MergeLabels(item.Labels),
	}
	if payload.Status == "" {
		payload.Status = "todo"
	}
	var created vkTask
	if err := b.do(ctx, http.MethodPost, b.tasksPath(), payload, &created); err != nil {
		return ExternalRef{}, err
	}
	return ExternalRef{
		Backend: "vk",
		ID:      created.ID,
		URL:     strings.TrimRight(b.cfg.BaseURL, "/") + "/tasks/" + created.ID,
	}, nil
}

// SetStatus moves the task to the mapped status.
func (b *VKBackend) SetStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error {
	name, ok := vkStatusNames[status]
	if !ok {
		return fmt.Errorf("no vk status for %s", status)
	}
	return b.do(ctx, http.MethodPatch, b.tasksPath()+"/"+ref.ID,
		map[string]string{"status": name}, nil)
}

// EnsureLabels merges labels into the task's label set.
func (b *VKBackend) EnsureLabels(ctx context.Context, ref ExternalRef, labels []string) error {
	var current vkTask
	if err := b.do(ctx, http.MethodGet, b.tasksPath()+"/"+ref.ID, nil, &current); err != nil {
		return err
	}
	merged := MergeLabels(current.Labels, labels...)
	return b.do(ctx, http.MethodPatch, b.tasksPath()+"/"+ref.ID,
		map[string]interface{}{"labels": merged}, nil)
}

// WriteSharedState stores the record as the task's shared_state field.
func (b *VKBackend) WriteSharedState(ctx context.Context, ref ExternalRef, state models.SharedState) error {
	data, err := EncodeSharedState(state)
	if err != nil {
		return err
	}
	return b.do(ctx, http.MethodPatch, b.tasksPath()+"/"+ref.ID,
		map[string]json.RawMessage{"shared_state": data}, nil)
}

// Comment appends a comment unless the correlation id is already present.
func (b *VKBackend) Comment(ctx context.Context, ref ExternalRef, body, correlationID string) error {
	var comments []struct {
		Body string `json:"body"`
	}
	path := b.tasksPath() + "/" + ref.ID + "/comments"
	if err := b.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return err
	}
	marker := correlationMarker(correlationID)
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return nil
		}
	}
	return b.do(ctx, http.MethodPost, path, map[string]string{"body": marker + "\n" + body}, nil)
}

// hasLabel reports whether labels contains l.
func hasLabel(labels []string, l string) bool {
	for _, have := range labels {
		if have == l {
			return true
		}
	}
	return false
}
