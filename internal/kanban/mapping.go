package kanban

import (
	"strings"

	"github.com/harrison/bosun/internal/models"
)

// statusAliases maps internal statuses to the external column names that
// represent them, per backend convention. Matching is case- and
// punctuation-insensitive.
var statusAliases = map[models.TaskStatus][]string{
	models.StatusTodo:       {"Todo", "To Do", "Backlog", "Queued"},
	models.StatusInProgress: {"In Progress", "Doing", "Active"},
	models.StatusInReview:   {"In Review", "Review", "Needs Review", "Ready for Review"},
	models.StatusDone:       {"Done", "Complete", "Closed"},
	models.StatusCancelled:  {"Cancelled", "Canceled", "Abandoned", "Won't Fix"},
}

// normalizeColumn lowercases and strips everything but letters and digits,
// so "To-Do", "to do", and "TODO" compare equal.
func normalizeColumn(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StatusForColumn maps an external column name to the internal status, using
// the alias tables. ok is false for unrecognized columns.
func StatusForColumn(column string) (models.TaskStatus, bool) {
	norm := normalizeColumn(column)
	for status, aliases := range statusAliases {
		for _, alias := range aliases {
			if normalizeColumn(alias) == norm {
				return status, true
			}
		}
	}
	return "", false
}

// ColumnForStatus picks the external column for an internal status out of
// the options the board actually offers, applying the documented fallbacks:
// a missing in-review column falls back to in-progress, a missing cancelled
// column falls back to done. The internal-only failed status surfaces as
// in-progress (the task is retryable, not finished). ok is false only when
// no usable column exists at all.
func ColumnForStatus(status models.TaskStatus, available []string) (string, bool) {
	if status == models.StatusFailed {
		status = models.StatusInProgress
	}

	if col, ok := findColumn(status, available); ok {
		return col, true
	}
	switch status {
	case models.StatusInReview:
		return findColumn(models.StatusInProgress, available)
	case models.StatusCancelled:
		return findColumn(models.StatusDone, available)
	}
	return "", false
}

// findColumn returns the first available column matching any alias of status.
func findColumn(status models.TaskStatus, available []string) (string, bool) {
	for _, alias := range statusAliases[status] {
		want := normalizeColumn(alias)
		for _, col := range available {
			if normalizeColumn(col) == want {
				return col, true
			}
		}
	}
	return "", false
}

// MergeLabels unions existing labels with the required ones, preserving the
// existing order and appending what is missing. The canonical and legacy
// bosun labels are always included.
func MergeLabels(existing []string, extra ...string) []string {
	required := append([]string{LabelCanonical, LabelLegacy}, extra...)
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(required))
	for _, l := range existing {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, l := range required {
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
