package kanban

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/bosun/internal/models"
)

// Shared-state storage modes. The contract is identical across modes: any
// reader must reconstruct the full coordination record.
const (
	SharedStateJSONField     = "json-field"
	SharedStateTypedFields   = "typed-fields"
	SharedStateCommentLabels = "comments-labels"
)

// sharedStateFence is the info string of the fenced code block carrying the
// state when it is stored in an item body or comment.
const sharedStateFence = "bosun-state"

// EncodeSharedState renders the coordination record as JSON.
func EncodeSharedState(state models.SharedState) ([]byte, error) {
	return json.Marshal(state)
}

// DecodeSharedState parses the JSON form.
func DecodeSharedState(data []byte) (*models.SharedState, error) {
	var state models.SharedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode shared state: %w", err)
	}
	return &state, nil
}

// SharedStateFields flattens the record into the six typed field values used
// by the multiple-typed-fields storage mode. Times are RFC3339, empty when
// zero.
func SharedStateFields(state models.SharedState) map[string]string {
	fmtTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		"ownerId":        state.OwnerID,
		"attemptToken":   state.AttemptToken,
		"attemptStarted": fmtTime(state.AttemptStarted),
		"heartbeat":      fmtTime(state.Heartbeat),
		"retryCount":     strconv.Itoa(state.RetryCount),
		"ignoreReason":   state.IgnoreReason,
	}
}

// SharedStateFromFields rebuilds the record from typed field values. Missing
// fields stay zero; a malformed retryCount is treated as zero.
func SharedStateFromFields(fields map[string]string) *models.SharedState {
	parseTime := func(s string) time.Time {
		t, _ := time.Parse(time.RFC3339, s)
		return t
	}
	retry, _ := strconv.Atoi(fields["retryCount"])
	return &models.SharedState{
		OwnerID:        fields["ownerId"],
		AttemptToken:   fields["attemptToken"],
		AttemptStarted: parseTime(fields["attemptStarted"]),
		Heartbeat:      parseTime(fields["heartbeat"]),
		RetryCount:     retry,
		IgnoreReason:   fields["ignoreReason"],
	}
}

// RenderSharedStateBlock renders the state as a fenced markdown block for the
// comments+labels storage mode.
func RenderSharedStateBlock(state models.SharedState) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	return "```" + sharedStateFence + "\n" + string(data) + "\n```", nil
}

// ExtractSharedStateBlock walks a markdown document and returns the state
// from the last bosun-state fenced block, or nil when none is present.
// Malformed blocks are skipped.
func ExtractSharedStateBlock(markdown []byte) *models.SharedState {
	doc := goldmark.New().Parser().Parse(text.NewReader(markdown))

	var found *models.SharedState
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(strings.TrimSpace(string(fence.Language(markdown))), sharedStateFence) {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		for i := 0; i < fence.Lines().Len(); i++ {
			line := fence.Lines().At(i)
			buf.Write(line.Value(markdown))
		}
		if state, err := DecodeSharedState(buf.Bytes()); err == nil {
			found = state
		}
		return ast.WalkContinue, nil
	})
	return found
}
