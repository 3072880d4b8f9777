package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/harrison/bosun/internal/models"
)

// CLIClient is a reusable client for one agent CLI binary.
// It follows the http.Client pattern: create once, use many times.
// Thread-safe for concurrent use.
type CLIClient struct {
	// sdk is the adapter slug ("codex", "copilot", "claude", "gemini",
	// "opencode").
	sdk string

	// BinaryPath is the CLI binary. Defaults to the slug itself (found in
	// PATH).
	BinaryPath string

	// Timeout is the default timeout for invocations. Can be tightened
	// per-request via context.
	Timeout time.Duration

	// buildArgs assembles the argv for one request.
	buildArgs func(req Request) []string
}

// SDKSlug maps an executor kind to its adapter slug.
func SDKSlug(kind models.ExecutorKind) string {
	return strings.ToLower(string(kind))
}

// NewClient creates the CLI client for an executor kind. The argv shapes
// follow each tool's non-interactive invocation form; all of them take the
// prompt as the final argument and print the final answer on stdout.
func NewClient(kind models.ExecutorKind) (*CLIClient, error) {
	slug := SDKSlug(kind)
	c := &CLIClient{
		sdk:        slug,
		BinaryPath: slug,
		Timeout:    DefaultTimeout,
	}

	switch kind {
	case models.ExecutorCodex:
		c.buildArgs = func(req Request) []string {
			args := []string{"exec", "--json"}
			if req.Variant != "" {
				args = append(args, "--model", req.Variant)
			}
			return append(args, req.Prompt)
		}
	case models.ExecutorClaude:
		c.buildArgs = func(req Request) []string {
			args := []string{"-p", "--output-format", "json"}
			if req.Variant != "" {
				args = append(args, "--model", req.Variant)
			}
			if req.ResumeID != "" {
				args = append(args, "--resume", req.ResumeID)
			}
			return append(args, req.Prompt)
		}
	case models.ExecutorCopilot:
		c.buildArgs = func(req Request) []string {
			args := []string{"-p"}
			if req.Variant != "" {
				args = append(args, "--model", req.Variant)
			}
			return append(args, req.Prompt)
		}
	case models.ExecutorGemini:
		c.buildArgs = func(req Request) []string {
			args := []string{}
			if req.Variant != "" {
				args = append(args, "--model", req.Variant)
			}
			return append(args, "--prompt", req.Prompt)
		}
	case models.ExecutorOpencode:
		c.buildArgs = func(req Request) []string {
			args := []string{"run"}
			if req.Variant != "" {
				args = append(args, "--model", req.Variant)
			}
			return append(args, req.Prompt)
		}
	default:
		return nil, fmt.Errorf("unknown executor kind %q", kind)
	}
	return c, nil
}

// SDK returns the adapter slug.
func (c *CLIClient) SDK() string {
	return c.sdk
}

// jsonResult covers the usage-bearing JSON envelopes the codex and claude
// CLIs emit; other CLIs fall back to raw stdout.
type jsonResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke runs one agent call. The child inherits the parent environment plus
// req.Env, and runs in req.WorkDir.
func (c *CLIClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath, c.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s invocation failed: %w: %s", c.sdk, err, trimStderr(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s invocation failed: %w", c.sdk, err)
	}

	return parseOutput(output), nil
}

// parseOutput extracts final text and usage from the CLI output, accepting a
// trailing JSON envelope or plain text.
func parseOutput(output []byte) *Response {
	trimmed := strings.TrimSpace(string(output))

	// Some CLIs stream JSON lines; the final line carries the result.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res jsonResult
		if json.Unmarshal([]byte(line), &res) == nil && res.Result != "" {
			return &Response{
				FinalText:    res.Result,
				SessionID:    res.SessionID,
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
			}
		}
	}
	return &Response{FinalText: trimmed}
}

// trimStderr bounds stderr carried in error messages.
func trimStderr(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > 500 {
		s = s[:500] + "…"
	}
	return s
}
