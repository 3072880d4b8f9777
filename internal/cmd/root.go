// Package cmd implements the bosun CLI.
//
// Exit codes: 0 success, 1 generic error, 2 usage, 3 lock contention
// (another instance holds the singleton lock), 4 external backend
// unavailable.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/kanban"
	"github.com/harrison/bosun/internal/lockmgr"
	"github.com/harrison/bosun/internal/logger"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// Exit codes surfaced by Execute.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitUsage          = 2
	ExitLockContention = 3
	ExitBackendUnavail = 4
)

// codedError wraps an error with its process exit code.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// withCode tags err with an exit code.
func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// rootState carries per-invocation wiring shared by subcommands.
type rootState struct {
	dir string
	cfg *config.Config
	log *logger.ConsoleLogger
}

// load resolves the config directory and file once a command runs.
func (st *rootState) load() error {
	dir := st.dir
	if dir == "" {
		resolved, err := config.GetBosunDir()
		if err != nil {
			return err
		}
		dir = resolved
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	st.dir = dir

	cfg, err := config.Load(config.ConfigPath(dir))
	if err != nil {
		return err
	}
	st.cfg = cfg
	st.log = logger.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	return nil
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	st := &rootState{}

	cmd := &cobra.Command{
		Use:   "bosun",
		Short: "Multi-agent git orchestrator",
		Long: `Bosun supervises AI coding agents against a fleet of git repositories.

Tasks flow from a kanban board into isolated git worktrees, where executors
(Codex, Copilot, Claude, Gemini, Opencode) do the work; bosun routes, retries,
pushes, and mirrors status back to the board.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load()
		},
	}

	cmd.PersistentFlags().StringVar(&st.dir, "dir", os.Getenv(config.EnvBosunDir), "config directory (default $BOSUN_DIR or ~/.bosun)")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withCode(ExitUsage, err)
	})

	cmd.AddCommand(newRunCommand(st))
	cmd.AddCommand(newSweepCommand(st))
	cmd.AddCommand(newLockCommand(st))
	cmd.AddCommand(newWorktreeCommand(st))
	cmd.AddCommand(newBranchCommand(st))
	cmd.AddCommand(newTaskCommand(st))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(os.Stderr, "bosun: %v\n", err)

	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, lockmgr.ErrLockContention) {
		return ExitLockContention
	}
	if errors.Is(err, kanban.ErrBackendUnavailable) {
		return ExitBackendUnavail
	}
	return ExitError
}
