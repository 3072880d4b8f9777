package models

import (
	"regexp"
	"strings"
)

// conventionalTitleRe matches conventional-commit task titles with a scope,
// e.g. "feat(api): add X". Only the listed types are recognized.
var conventionalTitleRe = regexp.MustCompile(`^(feat|fix|docs|style|refactor|perf|test|build|ci|chore|revert)\(([^)]+)\)`)

// ParseTitleScope extracts the conventional-commit type and scope from a task
// title. ok is false when the title is not conventional or carries no scope.
func ParseTitleScope(title string) (commitType, scope string, ok bool) {
	m := conventionalTitleRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
