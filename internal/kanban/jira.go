package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

// JiraBackend drives a Jira project through REST API v3. Custom fields are
// auto-discovered from /rest/api/3/field; the shared-state storage mode is
// selected from what the instance actually offers:
//
//   - a custom field named "bosun-state" → single JSON field
//   - all six typed fields (bosun-ownerId … bosun-ignoreReason) → typed fields
//   - otherwise → comments+labels
type JiraBackend struct {
	cfg    config.JiraConfig
	client *http.Client

	// cache holds field discovery results.
	cache *gocache.Cache

	// mode is the selected shared-state storage mode.
	mode string
}

// typedFieldNames maps shared-state keys to the Jira field names that carry
// them in typed-fields mode.
var typedFieldNames = map[string]string{
	"ownerId":        "bosun-ownerId",
	"attemptToken":   "bosun-attemptToken",
	"attemptStarted": "bosun-attemptStarted",
	"heartbeat":      "bosun-heartbeat",
	"retryCount":     "bosun-retryCount",
	"ignoreReason":   "bosun-ignoreReason",
}

// jsonFieldName is the single-field mode's custom field name.
const jsonFieldName = "bosun-state"

// NewJiraBackend creates the backend and selects the shared-state mode. An
// explicit mode in the config wins over discovery.
func NewJiraBackend(ctx context.Context, cfg config.JiraConfig, explicitMode string) (*JiraBackend, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, &AuthError{Backend: "jira", Hint: "set base_url, email, and api_token in the jira section"}
	}
	b := &JiraBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  gocache.New(time.Hour, 2*time.Hour),
	}

	if explicitMode != "" {
		b.mode = explicitMode
		return b, nil
	}
	fields, err := b.fields(ctx)
	if err != nil {
		return nil, err
	}
	b.mode = selectSharedStateMode(fields)
	return b, nil
}

// selectSharedStateMode picks the richest storage mode the instance offers.
func selectSharedStateMode(fields map[string]string) string {
	if _, ok := fields[jsonFieldName]; ok {
		return SharedStateJSONField
	}
	all := true
	for _, name := range typedFieldNames {
		if _, ok := fields[name]; !ok {
			all = false
			break
		}
	}
	if all {
		return SharedStateTypedFields
	}
	return SharedStateCommentLabels
}

func (b *JiraBackend) Name() string {
	return "jira"
}

// Mode returns the selected shared-state storage mode.
func (b *JiraBackend) Mode() string {
	return b.mode
}

// do issues one authenticated REST call and decodes the response into out.
func (b *JiraBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
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
	req.SetBasicAuth(b.cfg.Email, b.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Backend: "jira", Hint: "check the API token for " + b.cfg.Email}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("jira %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// fields discovers the field name → id table, cached for an hour.
func (b *JiraBackend) fields(ctx context.Context) (map[string]string, error) {
	if cached, ok := b.cache.Get("fields"); ok {
		return cached.(map[string]string), nil
	}
	var raw []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := b.do(ctx, http.MethodGet, "/rest/api/3/field", nil, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for _, f := range raw {
		fields[f.Name] = f.ID
	}
	b.cache.Set("fields", fields, gocache.DefaultExpiration)
	return fields, nil
}

// jiraIssue mirrors the search result fields the backend reads.
type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Labels  []string
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Description json.RawMessage `json:"description"`
	} `json:"fields"`
}

// List returns the project's issues carrying the canonical label.
func (b *JiraBackend) List(ctx context.Context) ([]Item, error) {
	jql := fmt.Sprintf("project = %q AND labels = %q", b.cfg.ProjectKey, LabelCanonical)
	var result struct {
		Issues []jiraIssue `json:"issues"`
	}
	path := "/rest/api/3/search?maxResults=500&jql=" + url.QueryEscape(jql)
	if err := b.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(result.Issues))
	for _, is := range result.Issues {
		status, _ := StatusForColumn(is.Fields.Status.Name)
		items = append(items, Item{
			Ref: ExternalRef{
				Backend: "jira",
				ID:      is.Key,
				URL:     strings.TrimRight(b.cfg.BaseURL, "/") + "/browse/" + is.Key,
			},
			Title:  is.Fields.Summary,
			Labels: is.Fields.Labels,
			Status: status,
		})
	}
	return items, nil
}

// Create opens a new issue. Subtask issue types require the configured
// parent key.
func (b *JiraBackend) Create(ctx context.Context, item Item) (ExternalRef, error) {
	issueType := b.cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}

	fields := map[string]interface{}{
		"project":   map[string]string{"key": b.cfg.ProjectKey},
		"summary":   item.Title,
		"issuetype": map[string]string{"name": issueType},
		"labels":    MergeLabels(item.Labels),
	}
	if strings.EqualFold(issueType, "Sub-task") || strings.EqualFold(issueType, "Subtask") {
		if b.cfg.SubtaskParentKey == "" {
			return ExternalRef{}, fmt.Errorf("jira issue type %q requires subtask_parent_key", issueType)
		}
		fields["parent"] = map[string]string{"key": b.cfg.SubtaskParentKey}
	}
	if item.Body != "" {
		fields["description"] = adfParagraph(item.Body)
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := b.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]interface{}{"fields": fields}, &created); err != nil {
		return ExternalRef{}, err
	}
	return ExternalRef{
		Backend: "jira",
		ID:      created.Key,
		URL:     strings.TrimRight(b.cfg.BaseURL, "/") + "/browse/" + created.Key,
	}, nil
}

// SetStatus transitions the issue to the column mapped from status.
func (b *JiraBackend) SetStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error {
	var transitions struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := b.do(ctx, http.MethodGet, "/rest/api/3/issue/"+ref.ID+"/transitions", nil, &transitions); err != nil {
		return err
	}

	columns := make([]string, 0, len(transitions.Transitions))
	for _, tr := range transitions.Transitions {
		columns = append(columns, tr.To.Name)
	}
	target, ok := ColumnForStatus(status, columns)
	if !ok {
		// Already in a state with no outgoing transition to the target;
		// treat as aligned.
		return nil
	}
	for _, tr := range transitions.Transitions {
		if tr.To.Name == target {
			return b.do(ctx, http.MethodPost, "/rest/api/3/issue/"+ref.ID+"/transitions",
				map[string]interface{}{"transition": map[string]string{"id": tr.ID}}, nil)
		}
	}
	return nil
}

// EnsureLabels merges labels into the issue's label set.
func (b *JiraBackend) EnsureLabels(ctx context.Context, ref ExternalRef, labels []string) error {
	add := make([]map[string]string, 0, len(labels))
	for _, l := range MergeLabels(labels) {
		add = append(add, map[string]string{"add": l})
	}
	return b.do(ctx, http.MethodPut, "/rest/api/3/issue/"+ref.ID,
		map[string]interface{}{"update": map[string]interface{}{"labels": add}}, nil)
}

// WriteSharedState persists the record in the selected storage mode.
func (b *JiraBackend) WriteSharedState(ctx context.Context, ref ExternalRef, state models.SharedState) error {
	switch b.mode {
	case SharedStateJSONField:
		fields, err := b.fields(ctx)
		if err != nil {
			return err
		}
		data, err := EncodeSharedState(state)
		if err != nil {
			return err
		}
		return b.do(ctx, http.MethodPut, "/rest/api/3/issue/"+ref.ID,
			map[string]interface{}{"fields": map[string]interface{}{fields[jsonFieldName]: string(data)}}, nil)

	case SharedStateTypedFields:
		fields, err := b.fields(ctx)
		if err != nil {
			return err
		}
		update := map[string]interface{}{}
		for key, value := range SharedStateFields(state) {
			update[fields[typedFieldNames[key]]] = value
		}
		return b.do(ctx, http.MethodPut, "/rest/api/3/issue/"+ref.ID,
			map[string]interface{}{"fields": update}, nil)

	default:
		block, err := RenderSharedStateBlock(state)
		if err != nil {
			return err
		}
		return b.Comment(ctx, ref, block, "state-"+state.AttemptToken)
	}
}

// Comment appends a comment unless one carrying the correlation id already
// exists.
func (b *JiraBackend) Comment(ctx context.Context, ref ExternalRef, body, correlationID string) error {
	marker := correlationMarker(correlationID)

	var existing struct {
		Comments []struct {
			Body json.RawMessage `json:"body"`
		} `json:"comments"`
	}
	if err := b.do(ctx, http.MethodGet, "/rest/api/3/issue/"+ref.ID+"/comment", nil, &existing); err != nil {
		return err
	}
	for _, c := range existing.Comments {
		if strings.Contains(string(c.Body), correlationID) {
			return nil
		}
	}
	return b.do(ctx, http.MethodPost, "/rest/api/3/issue/"+ref.ID+"/comment",
		map[string]interface{}{"body": adfParagraph(marker + "\n" + body)}, nil)
}

// adfParagraph wraps plain text in the minimal Atlassian document format.
func adfParagraph(text string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "doc",
		"version": 1,
		"content": []interface{}{
			map[string]interface{}{
				"type": "paragraph",
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": text},
				},
			},
		},
	}
}
