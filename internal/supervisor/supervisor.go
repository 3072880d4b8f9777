// Package supervisor wires the orchestrator together: it pulls ready tasks
// from the store, routes them to executors, runs attempts inside worktrees,
// pushes results, and mirrors state to the kanban backend.
//
// Scheduling is cooperative and single-threaded: one logical dispatch at a
// time per orchestrator instance. Parallelism comes from running multiple
// instances (each with its own config directory and singleton lock) and from
// the bus gate's pooled path for concurrent SDK calls. Maintenance sweeps run
// on their own timer but serialize with dispatch through a global mutex.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/bosun/internal/busgate"
	"github.com/harrison/bosun/internal/gitops"
	"github.com/harrison/bosun/internal/logger"
	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/registry"
	"github.com/harrison/bosun/internal/router"
	"github.com/harrison/bosun/internal/sdk"
	"github.com/harrison/bosun/internal/sweeper"
	"github.com/harrison/bosun/internal/taskstore"
	"github.com/harrison/bosun/internal/worktree"
)

// Notifier surfaces noteworthy events to the operator. Implementations are
// external collaborators (chat channels, consoles); a nil notifier is valid.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Syncer is the kanban layer as the supervisor sees it.
type Syncer interface {
	Sync(ctx context.Context) error
	Push(ctx context.Context, taskID string) error
}

// Config assembles a Supervisor.
type Config struct {
	Store     *taskstore.Store
	Registry  *registry.Registry
	Router    *router.Router
	Gate      *busgate.Gate
	Worktrees *worktree.Manager
	Sweeper   *sweeper.Sweeper

	// Clients maps adapter slugs to SDK clients.
	Clients map[string]sdk.Client

	// Pool handles contending SDK calls; nil disables the pooled path.
	Pool busgate.PooledExecutor

	// Kanban is optional; nil runs without external sync.
	Kanban Syncer

	// Notifier is optional.
	Notifier Notifier

	Logger logger.Logger

	// OwnerID identifies this orchestrator instance in attempt records.
	OwnerID string

	RepoRoot   string
	BaseBranch string

	// DispatchInterval is the idle delay between dispatch cycles.
	DispatchInterval time.Duration

	// SweepInterval is the maintenance timer period.
	SweepInterval time.Duration

	// OnRelease runs during shutdown, after the loops stop (lock release,
	// event flush).
	OnRelease func()
}

// Supervisor is the orchestrator control loop.
type Supervisor struct {
	cfg Config
	log logger.Logger

	// mu serializes dispatch cycles and maintenance sweeps.
	mu sync.Mutex

	// newGit builds the git wrapper per directory; tests swap it.
	newGit func(dir string) *gitops.Git
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil || cfg.Router == nil || cfg.Gate == nil || cfg.Worktrees == nil {
		return nil, fmt.Errorf("supervisor: store, router, gate, and worktrees are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = fmt.Sprintf("bosun-%d", os.Getpid())
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 15 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	return &Supervisor{
		cfg:    cfg,
		log:    cfg.Logger,
		newGit: gitops.New,
	}, nil
}

// Run executes the control loop until the context is cancelled or a
// termination signal arrives. On shutdown the current attempt is cancelled at
// its next suspension point; an in-flight git push is left to its own timeout
// and reaped by the next sweep.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	dispatchTicker := time.NewTicker(s.cfg.DispatchInterval)
	defer dispatchTicker.Stop()

	s.log.Infof("bosun supervisor started (owner %s)", s.cfg.OwnerID)
	s.DispatchCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-sweepTicker.C:
			s.RunSweep(ctx)
		case <-dispatchTicker.C:
			s.DispatchCycle(ctx)
		}
	}
}

// ExecutorStatuses exposes point-in-time executor snapshots to observers
// (status commands, notification channels).
func (s *Supervisor) ExecutorStatuses() []models.ExecutorStatus {
	if s.cfg.Registry == nil {
		return nil
	}
	statuses := s.cfg.Registry.Statuses(time.Now())
	for i := range statuses {
		statuses[i].ActiveSession = s.cfg.Gate.ActiveSession(sdk.SDKSlug(statuses[i].Executor))
	}
	return statuses
}

// shutdown flushes and releases resources.
func (s *Supervisor) shutdown() {
	s.log.Infof("bosun supervisor shutting down")
	if s.cfg.OnRelease != nil {
		s.cfg.OnRelease()
	}
}

// RunSweep runs one maintenance sweep, serialized against dispatch.
func (s *Supervisor) RunSweep(ctx context.Context) *sweeper.Result {
	if s.cfg.Sweeper == nil {
		return &sweeper.Result{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.cfg.Sweeper.Sweep(ctx, 0)
	if s.cfg.Kanban != nil {
		if err := s.cfg.Kanban.Sync(ctx); err != nil {
			s.log.Warnf("sweep: kanban sync failed: %v", err)
		}
	}
	return result
}

// DispatchCycle pulls ready tasks and dispatches each through the router's
// candidate order. One cycle handles each ready task once.
func (s *Supervisor) DispatchCycle(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready, err := s.cfg.Store.ReadyTasks(ctx)
	if err != nil {
		s.log.Warnf("dispatch: loading ready tasks: %v", err)
		return
	}

	for _, task := range ready {
		if ctx.Err() != nil {
			return
		}
		s.dispatchTask(ctx, task)
	}
}

// dispatchTask tries the router's candidates in order until one succeeds.
func (s *Supervisor) dispatchTask(ctx context.Context, task *models.Task) {
	candidates := s.cfg.Router.Pick(task)
	if len(candidates) == 0 {
		s.log.Debugf("dispatch: no executor available for task %s", task.ID)
		return
	}

	for _, profile := range candidates {
		ok, err := s.runAttempt(ctx, task, profile)
		if ok {
			s.cfg.Router.ReportSuccess(profile.Name)
			return
		}
		if err != nil {
			s.log.Warnf("dispatch: task %s on %s failed: %v", task.ID, profile.Name, err)
			s.cfg.Router.ReportFailure(profile.Name)
		}
		if ctx.Err() != nil {
			return
		}
		// Refresh the task between candidates; the failed attempt changed it.
		refreshed, loadErr := s.cfg.Store.GetTask(ctx, task.ID)
		if loadErr != nil {
			return
		}
		task = refreshed
		if task.Status != models.StatusTodo && task.Status != models.StatusFailed {
			return
		}
	}

	// Park the task so the next cycle does not retry it immediately; an
	// operator clears the reason via `bosun task retry`.
	state := task.SharedState
	state.IgnoreReason = "executor-candidates-exhausted"
	if err := s.cfg.Store.UpdateSharedState(ctx, task.ID, state); err != nil {
		s.log.Warnf("task %s: parking after exhaustion: %v", task.ID, err)
	}
	s.notify(ctx, "task failed", fmt.Sprintf("task %s exhausted all executor candidates", task.ID))
}

// runAttempt executes one task attempt on one executor profile end to end:
// gate admission, worktree allocation, agent invocation, push, status
// update. Returns ok=true when the attempt succeeded.
func (s *Supervisor) runAttempt(ctx context.Context, task *models.Task, profile models.ExecutorProfile) (bool, error) {
	slug := sdk.SDKSlug(profile.Executor)
	client, haveClient := s.cfg.Clients[slug]
	if !haveClient {
		return false, fmt.Errorf("no SDK client for %s", slug)
	}

	sessionID := uuid.NewString()
	admission := s.cfg.Gate.Enter(slug, sessionID, task.ID, busgate.EnterOptions{})
	if !admission.OK {
		return false, fmt.Errorf("%s", admission.Reason)
	}
	defer func() {
		// The gate slot is released on every path; the outcome-specific exit
		// below may already have run, in which case this is a no-op.
		s.cfg.Gate.Exit(slug, sessionID, busgate.OutcomeCancelled)
	}()

	if admission.Pooled {
		return s.runPooled(ctx, task, profile, slug)
	}

	token, err := s.cfg.Store.StartAttempt(ctx, task.ID, s.cfg.OwnerID, models.AttemptStartedPayload{
		ExecutorProfile: profile.Name,
	})
	if err != nil {
		return false, err
	}

	wt, err := s.cfg.Worktrees.Allocate(ctx, s.cfg.RepoRoot, token, s.cfg.BaseBranch)
	if err != nil {
		s.completeAttempt(ctx, task.ID, token, models.OutcomeFailure, "worktree")
		return false, err
	}

	// Refresh the task's shared state (owner, attempt token, start time,
	// heartbeat, retry count) for other tools observing the board.
	s.updateSharedState(ctx, task.ID, token)

	resp, err := client.Invoke(ctx, sdk.Request{
		Prompt:  buildPrompt(task),
		Variant: profile.Variant,
		WorkDir: wt.Path,
		Env: []string{
			"BOSUN_TASK_ID=" + task.ID,
			"BOSUN_MANAGED=1",
		},
	})
	if err != nil {
		outcome := busgate.OutcomePermanentFailure
		kind := "agent-error"
		if sdk.IsTransient(err) {
			outcome = busgate.OutcomeTransientFailure
			kind = "transient"
		}
		s.cfg.Gate.Exit(slug, sessionID, outcome)
		s.completeAttempt(ctx, task.ID, token, models.OutcomeFailure, kind)
		s.releaseWorktree(ctx, wt)
		return false, err
	}

	s.log.Infof("task %s: agent finished (%d output tokens)", task.ID, resp.OutputTokens)

	// Push whatever the agent committed.
	if err := s.newGit(wt.Path).Push(ctx, wt.Branch); err != nil {
		s.cfg.Gate.Exit(slug, sessionID, busgate.OutcomeSuccess)
		s.completeAttempt(ctx, task.ID, token, models.OutcomeFailure, "push")
		s.releaseWorktree(ctx, wt)
		return false, err
	}

	s.cfg.Gate.Exit(slug, sessionID, busgate.OutcomeSuccess)
	s.completeAttempt(ctx, task.ID, token, models.OutcomeSuccess, "")
	if err := s.cfg.Store.SetStatus(ctx, task.ID, models.StatusInReview); err != nil {
		s.log.Warnf("task %s: status update: %v", task.ID, err)
	}
	s.releaseWorktree(ctx, wt)
	s.mirror(ctx, task.ID)
	return true, nil
}

// runPooled routes a contending request through the external worker pool.
// The pool owns execution and isolation; the attempt lifecycle is still
// recorded here so the task leaves the ready set.
func (s *Supervisor) runPooled(ctx context.Context, task *models.Task, profile models.ExecutorProfile, slug string) (bool, error) {
	if s.cfg.Pool == nil {
		return false, fmt.Errorf("adapter %s busy and no pool configured", slug)
	}

	token, err := s.cfg.Store.StartAttempt(ctx, task.ID, s.cfg.OwnerID, models.AttemptStartedPayload{
		ExecutorProfile: profile.Name,
	})
	if err != nil {
		return false, err
	}
	s.updateSharedState(ctx, task.ID, token)

	if _, err := s.cfg.Pool.ExecPooled(ctx, buildPrompt(task), slug); err != nil {
		s.completeAttempt(ctx, task.ID, token, models.OutcomeFailure, "pool")
		return false, fmt.Errorf("pooled execution: %w", err)
	}

	s.completeAttempt(ctx, task.ID, token, models.OutcomeSuccess, "")
	if err := s.cfg.Store.SetStatus(ctx, task.ID, models.StatusInReview); err != nil {
		s.log.Warnf("task %s: status update: %v", task.ID, err)
	}
	s.mirror(ctx, task.ID)
	return true, nil
}

// completeAttempt records an attempt outcome and, for failures, moves the
// task to failed so the retry path can pick it up.
func (s *Supervisor) completeAttempt(ctx context.Context, taskID, token string, outcome models.AttemptOutcome, failureKind string) {
	if err := s.cfg.Store.CompleteAttempt(ctx, token, outcome, failureKind); err != nil {
		s.log.Warnf("task %s: completing attempt: %v", taskID, err)
	}
	if outcome == models.OutcomeFailure {
		if err := s.cfg.Store.SetStatus(ctx, taskID, models.StatusFailed); err != nil {
			s.log.Warnf("task %s: marking failed: %v", taskID, err)
		}
	}
}

// updateSharedState refreshes the task's coordination record for observers.
func (s *Supervisor) updateSharedState(ctx context.Context, taskID, token string) {
	now := time.Now().UTC()
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	state := models.SharedState{
		OwnerID:        s.cfg.OwnerID,
		AttemptToken:   token,
		AttemptStarted: now,
		Heartbeat:      now,
		RetryCount:     len(task.Attempts) - 1,
	}
	if err := s.cfg.Store.UpdateSharedState(ctx, taskID, state); err != nil {
		s.log.Warnf("task %s: shared state: %v", taskID, err)
	}
}

// releaseWorktree tears the attempt worktree down, best-effort.
func (s *Supervisor) releaseWorktree(ctx context.Context, wt *worktree.Worktree) {
	if err := s.cfg.Worktrees.Release(ctx, wt); err != nil {
		s.log.Warnf("release worktree %s: %v", wt.Path, err)
	}
}

// mirror pushes one task outward, best-effort.
func (s *Supervisor) mirror(ctx context.Context, taskID string) {
	if s.cfg.Kanban == nil {
		return
	}
	if err := s.cfg.Kanban.Push(ctx, taskID); err != nil {
		s.log.Warnf("task %s: kanban push: %v", taskID, err)
	}
}

// notify surfaces a message through the notifier, best-effort.
func (s *Supervisor) notify(ctx context.Context, subject, message string) {
	if s.cfg.Notifier == nil {
		return
	}
	if err := s.cfg.Notifier.Notify(ctx, subject, message); err != nil {
		s.log.Debugf("notify: %v", err)
	}
}

// buildPrompt renders the agent prompt for a task.
func buildPrompt(task *models.Task) string {
	prompt := task.Title
	if task.Body != "" {
		prompt += "\n\n" + task.Body
	}
	return prompt
}
