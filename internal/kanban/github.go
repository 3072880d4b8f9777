package kanban

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

// GHRunner executes one gh CLI invocation. Injected for tests.
type GHRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// execGHRunner shells out to gh.
type execGHRunner struct{}

func (execGHRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gh %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// GitHubBackend drives GitHub Issues plus a Projects v2 status board through
// the gh CLI. Shared state uses the comments+labels storage mode: a single
// marker comment carries the bosun-state block.
type GitHubBackend struct {
	cfg    config.GitHubConfig
	runner GHRunner

	// cache holds project field metadata (status option ids) between calls.
	cache *gocache.Cache
}

// stateMarker tags the shared-state comment so it can be found and edited.
const stateMarker = "<!-- bosun-shared-state -->"

// correlationMarker renders the hidden replay-detection tag for a comment.
func correlationMarker(correlationID string) string {
	return fmt.Sprintf("<!-- bosun:%s -->", correlationID)
}

// NewGitHubBackend creates the gh-CLI backed backend and verifies
// authentication up front.
func NewGitHubBackend(ctx context.Context, cfg config.GitHubConfig) (*GitHubBackend, error) {
	b := &GitHubBackend{
		cfg:    cfg,
		runner: execGHRunner{},
		cache:  gocache.New(time.Hour, 2*time.Hour),
	}
	if _, err := b.runner.Run(ctx, "api", "user"); err != nil {
		return nil, &AuthError{Backend: "github", Hint: "run `gh auth login`"}
	}
	return b, nil
}

// NewGitHubBackendWithRunner creates the backend with an injected runner
// (tests). No auth probe runs.
func NewGitHubBackendWithRunner(cfg config.GitHubConfig, runner GHRunner) *GitHubBackend {
	return &GitHubBackend{
		cfg:    cfg,
		runner: runner,
		cache:  gocache.New(time.Hour, 2*time.Hour),
	}
}

func (b *GitHubBackend) Name() string {
	return "github"
}

// repoArgs appends the --repo flag when a repo is configured.
func (b *GitHubBackend) repoArgs(args []string) []string {
	if b.cfg.Repo != "" {
		args = append(args, "--repo", b.cfg.Repo)
	}
	return args
}

// ghIssue mirrors the JSON fields requested from gh issue list/view.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// List returns all issues carrying the canonical label.
func (b *GitHubBackend) List(ctx context.Context) ([]Item, error) {
	args := b.repoArgs([]string{
		"issue", "list", "--label", LabelCanonical, "--state", "all",
		"--json", "number,title,body,state,url,labels", "--limit", "500",
	})
	out, err := b.runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("decode issue list: %w", err)
	}

	items := make([]Item, 0, len(issues))
	for _, is := range issues {
		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.Name)
		}
		status := models.StatusTodo
		if strings.EqualFold(is.State, "closed") {
			status = models.StatusDone
		}
		items = append(items, Item{
			Ref:         ExternalRef{Backend: "github", ID: strconv.Itoa(is.Number), URL: is.URL},
			Title:       is.Title,
			Body:        is.Body,
			Labels:      labels,
			Status:      status,
			SharedState: ExtractSharedStateBlock([]byte(is.Body)),
		})
	}
	return items, nil
}

// Create opens a new issue with the canonical labels.
func (b *GitHubBackend) Create(ctx context.Context, item Item) (ExternalRef, error) {
	args := b.repoArgs([]string{
		"issue", "create", "--title", item.Title, "--body", item.Body,
		"--label", strings.Join(MergeLabels(item.Labels), ","),
	})
	out, err := b.runner.Run(ctx, args...)
	if err != nil {
		return ExternalRef{}, err
	}

	url := strings.TrimSpace(out)
	number := url[strings.LastIndex(url, "/")+1:]
	if _, convErr := strconv.Atoi(number); convErr != nil {
		return ExternalRef{}, fmt.Errorf("parse issue number from %q", url)
	}
	return ExternalRef{Backend: "github", ID: number, URL: url}, nil
}

// SetStatus aligns issue open/closed state and, when a project is
// configured, the project Status column. Closed issues are never re-opened
// by a replay: reopening happens only for open-ish target statuses.
func (b *GitHubBackend) SetStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error {
	issue, err := b.viewIssue(ctx, ref.ID)
	if err != nil {
		return err
	}

	switch status {
	case models.StatusDone:
		if !strings.EqualFold(issue.State, "closed") {
			if _, err := b.runner.Run(ctx, b.repoArgs([]string{"issue", "close", ref.ID})...); err != nil {
				return err
			}
		}
	case models.StatusCancelled:
		if !strings.EqualFold(issue.State, "closed") {
			if _, err := b.runner.Run(ctx, b.repoArgs([]string{"issue", "close", ref.ID, "--reason", "not planned"})...); err != nil {
				return err
			}
		}
	default:
		if strings.EqualFold(issue.State, "closed") {
			if _, err := b.runner.Run(ctx, b.repoArgs([]string{"issue", "reopen", ref.ID})...); err != nil {
				return err
			}
		}
	}

	if b.cfg.Project == "" {
		return nil
	}
	return b.setProjectStatus(ctx, ref, status)
}

// projectMeta is the cached Projects v2 metadata needed for status moves.
type projectMeta struct {
	Number        int
	StatusFieldID string
	Options       map[string]string // column name -> option id
	Columns       []string
}

// setProjectStatus moves the issue's project item to the mapped column.
func (b *GitHubBackend) setProjectStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error {
	meta, err := b.projectMeta(ctx)
	if err != nil {
		return err
	}
	column, ok := ColumnForStatus(status, meta.Columns)
	if !ok {
		return fmt.Errorf("project %q has no column for status %s", b.cfg.Project, status)
	}

	itemID, projectID, err := b.projectItemID(ctx, meta.Number, ref)
	if err != nil || itemID == "" {
		return err
	}
	_, err = b.runner.Run(ctx, "project", "item-edit",
		"--id", itemID,
		"--project-id", projectID,
		"--field-id", meta.StatusFieldID,
		"--single-select-option-id", meta.Options[column])
	return err
}

// projectMeta discovers the project number and Status field options, cached
// for an hour.
func (b *GitHubBackend) projectMeta(ctx context.Context) (*projectMeta, error) {
	if cached, ok := b.cache.Get("project-meta"); ok {
		return cached.(*projectMeta), nil
	}

	out, err := b.runner.Run(ctx, "project", "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	var projects struct {
		Projects []struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
		} `json:"projects"`
	}
	if err := json.Unmarshal([]byte(out), &projects); err != nil {
		return nil, fmt.Errorf("decode project list: %w", err)
	}

	meta := &projectMeta{Options: map[string]string{}}
	for _, p := range projects.Projects {
		if strings.EqualFold(p.Title, b.cfg.Project) {
			meta.Number = p.Number
			break
		}
	}
	if meta.Number == 0 {
		return nil, fmt.Errorf("project %q not found", b.cfg.Project)
	}

	out, err = b.runner.Run(ctx, "project", "field-list", strconv.Itoa(meta.Number), "--format", "json")
	if err != nil {
		return nil, err
	}
	var fields struct {
		Fields []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(out), &fields); err != nil {
		return nil, fmt.Errorf("decode field list: %w", err)
	}
	for _, f := range fields.Fields {
		if !strings.EqualFold(f.Name, "Status") {
			continue
		}
		meta.StatusFieldID = f.ID
		for _, opt := range f.Options {
			meta.Options[opt.Name] = opt.ID
			meta.Columns = append(meta.Columns, opt.Name)
		}
	}
	if meta.StatusFieldID == "" {
		return nil, fmt.Errorf("project %q has no Status field", b.cfg.Project)
	}

	b.cache.Set("project-meta", meta, gocache.DefaultExpiration)
	return meta, nil
}

// projectItemID resolves the project item for an issue. Empty when the issue
// is not on the board.
func (b *GitHubBackend) projectItemID(ctx context.Context, projectNumber int, ref ExternalRef) (itemID, projectID string, err error) {
	out, err := b.runner.Run(ctx, "project", "item-list", strconv.Itoa(projectNumber), "--format", "json")
	if err != nil {
		return "", "", err
	}
	var items struct {
		Items []struct {
			ID      string `json:"id"`
			Content struct {
				Number int `json:"number"`
			} `json:"content"`
		} `json:"items"`
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return "", "", fmt.Errorf("decode item list: %w", err)
	}
	want, _ := strconv.Atoi(ref.ID)
	for _, item := range items.Items {
		if item.Content.Number == want {
			return item.ID, items.ProjectID, nil
		}
	}
	return "", "", nil
}

// EnsureLabels merges labels onto the issue; the set is never replaced.
func (b *GitHubBackend) EnsureLabels(ctx context.Context, ref ExternalRef, labels []string) error {
	_, err := b.runner.Run(ctx, b.repoArgs([]string{
		"issue", "edit", ref.ID, "--add-label", strings.Join(MergeLabels(labels), ","),
	})...)
	return err
}

// ghComment mirrors the comment fields gh returns.
type ghComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	URL  string `json:"url"`
}

// comments lists the issue's comments via the REST API (gh issue view does
// not expose comment ids).
func (b *GitHubBackend) comments(ctx context.Context, issueNumber string) ([]ghComment, error) {
	repo := b.cfg.Repo
	if repo == "" {
		repo = "{owner}/{repo}"
	}
	out, err := b.runner.Run(ctx, "api", fmt.Sprintf("repos/%s/issues/%s/comments", repo, issueNumber))
	if err != nil {
		return nil, err
	}
	var comments []ghComment
	if err := json.Unmarshal([]byte(out), &comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return comments, nil
}

// WriteSharedState upserts the marker comment carrying the bosun-state block.
func (b *GitHubBackend) WriteSharedState(ctx context.Context, ref ExternalRef, state models.SharedState) error {
	block, err := RenderSharedStateBlock(state)
	if err != nil {
		return err
	}
	body := stateMarker + "\n" + block

	existing, err := b.comments(ctx, ref.ID)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if strings.Contains(c.Body, stateMarker) {
			repo := b.cfg.Repo
			if repo == "" {
				repo = "{owner}/{repo}"
			}
			_, err := b.runner.Run(ctx, "api", "-X", "PATCH",
				fmt.Sprintf("repos/%s/issues/comments/%d", repo, c.ID), "-f", "body="+body)
			return err
		}
	}
	_, err = b.runner.Run(ctx, b.repoArgs([]string{"issue", "comment", ref.ID, "--body", body})...)
	return err
}

// Comment appends a comment unless one with the same correlation id already
// exists, making write replays harmless.
func (b *GitHubBackend) Comment(ctx context.Context, ref ExternalRef, body, correlationID string) error {
	marker := correlationMarker(correlationID)
	existing, err := b.comments(ctx, ref.ID)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if strings.Contains(c.Body, marker) {
			return nil
		}
	}
	_, err = b.runner.Run(ctx, b.repoArgs([]string{
		"issue", "comment", ref.ID, "--body", marker + "\n" + body,
	})...)
	return err
}

// ReadSharedState reconstructs the coordination record from the marker
// comment, nil when absent.
func (b *GitHubBackend) ReadSharedState(ctx context.Context, ref ExternalRef) (*models.SharedState, error) {
	existing, err := b.comments(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if strings.Contains(c.Body, stateMarker) {
			return ExtractSharedStateBlock([]byte(c.Body)), nil
		}
	}
	return nil, nil
}

// viewIssue loads one issue's current state.
func (b *GitHubBackend) viewIssue(ctx context.Context, number string) (*ghIssue, error) {
	out, err := b.runner.Run(ctx, b.repoArgs([]string{
		"issue", "view", number, "--json", "number,title,body,state,url,labels",
	})...)
	if err != nil {
		return nil, err
	}
	var issue ghIssue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("decode issue %s: %w", number, err)
	}
	return &issue, nil
}
