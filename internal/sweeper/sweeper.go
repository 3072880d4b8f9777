// Package sweeper runs the periodic maintenance pass: stale orchestrator
// kill, stuck git-push reaping, worktree pruning, branch sync and GC, task
// archiving, and repo config repair.
//
// Every step is best-effort: a failing step is logged and the sweep moves
// on. The next sweep retries naturally.
package sweeper

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/harrison/bosun/internal/branch"
	"github.com/harrison/bosun/internal/logger"
	"github.com/harrison/bosun/internal/procenum"
	"github.com/harrison/bosun/internal/worktree"
)

// DefaultPushMaxAge is how old a git push process must be before it is
// assumed stuck and reaped.
const DefaultPushMaxAge = 15 * time.Minute

// Result summarizes one sweep.
type Result struct {
	StaleKilled     int `json:"stale_killed"`
	PushesReaped    int `json:"pushes_reaped"`
	WorktreesPruned int `json:"worktrees_pruned"`
	BranchesSynced  int `json:"branches_synced"`
	BranchesDeleted int `json:"branches_deleted"`
	TasksArchived   int `json:"tasks_archived"`
}

// Archiver is the task store hook for step 6.
type Archiver interface {
	ArchiveCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper wires the maintenance steps over one repository.
type Sweeper struct {
	lister    procenum.Lister
	worktrees *worktree.Manager
	branches  *branch.Manager
	archiver  Archiver
	log       logger.Logger

	repoRoot     string
	syncBranches []string
	pushMaxAge   time.Duration
	archiveAfter time.Duration

	selfPID int
	now     func() time.Time
}

// Config assembles a Sweeper.
type Config struct {
	Lister    procenum.Lister
	Worktrees *worktree.Manager
	Branches  *branch.Manager

	// Archiver is optional; nil skips the archive step.
	Archiver Archiver

	Logger logger.Logger

	RepoRoot     string
	SyncBranches []string
	PushMaxAge   time.Duration

	// ArchiveAfter of zero disables archiving even with an Archiver set.
	ArchiveAfter time.Duration
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard
	}
	if cfg.PushMaxAge <= 0 {
		cfg.PushMaxAge = DefaultPushMaxAge
	}
	if len(cfg.SyncBranches) == 0 {
		cfg.SyncBranches = []string{"main"}
	}
	return &Sweeper{
		lister:       cfg.Lister,
		worktrees:    cfg.Worktrees,
		branches:     cfg.Branches,
		archiver:     cfg.Archiver,
		log:          cfg.Logger,
		repoRoot:     cfg.RepoRoot,
		syncBranches: cfg.SyncBranches,
		pushMaxAge:   cfg.PushMaxAge,
		archiveAfter: cfg.ArchiveAfter,
		selfPID:      os.Getpid(),
		now:          time.Now,
	}
}

// WithClock injects a clock (tests).
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithSelfPID overrides the protected self PID (tests).
func (s *Sweeper) WithSelfPID(pid int) *Sweeper {
	s.selfPID = pid
	return s
}

// Sweep runs all steps in order and returns the summary. childPid, when
// non-zero, is an orchestrator child that must survive step 1.
func (s *Sweeper) Sweep(ctx context.Context, childPid int) *Result {
	result := &Result{}

	result.StaleKilled = s.killStaleOrchestrators(ctx, childPid)
	result.PushesReaped = s.reapStuckGitPushes(ctx)

	if pruned, err := s.worktrees.PruneStale(ctx, s.repoRoot); err != nil {
		s.log.Warnf("sweep: worktree prune failed: %v", err)
	} else {
		result.WorktreesPruned = pruned.Pruned
		for _, e := range pruned.Errors {
			s.log.Warnf("sweep: worktree prune: %v", e)
		}
	}

	result.BranchesSynced = s.branches.SyncLocalTrackingBranches(ctx, s.syncBranches)

	cleanup := s.branches.CleanupStaleBranches(ctx, branch.CleanupOptions{})
	result.BranchesDeleted = len(cleanup.Deleted)
	for _, e := range cleanup.Errors {
		s.log.Warnf("sweep: branch cleanup: %v", e)
	}

	if s.archiver != nil && s.archiveAfter > 0 {
		if n, err := s.archiver.ArchiveCompleted(ctx, s.archiveAfter); err != nil {
			s.log.Warnf("sweep: archive tasks: %v", err)
		} else {
			result.TasksArchived = n
		}
	}

	if _, err := s.worktrees.RepairConfigCorruption(ctx, s.repoRoot); err != nil {
		s.log.Warnf("sweep: config repair failed: %v", err)
	}

	return result
}

// killStaleOrchestrators kills every monitor-classified process that is not
// this orchestrator or its known child.
func (s *Sweeper) killStaleOrchestrators(ctx context.Context, childPid int) int {
	procs, err := s.lister.List(ctx)
	if err != nil {
		s.log.Warnf("sweep: process listing failed: %v", err)
		return 0
	}

	killed := 0
	for i := range procs {
		p := &procs[i]
		if p.PID == s.selfPID || (childPid != 0 && p.PID == childPid) {
			continue
		}
		if procenum.ClassifyProcess(p) != procenum.ClassMonitor {
			continue
		}
		if err := s.lister.Kill(p.PID); err != nil {
			s.log.Warnf("sweep: kill stale orchestrator %d: %v", p.PID, err)
			continue
		}
		s.log.Infof("sweep: killed stale orchestrator PID %d", p.PID)
		killed++
	}
	return killed
}

// reapStuckGitPushes kills git push processes older than the age threshold.
func (s *Sweeper) reapStuckGitPushes(ctx context.Context) int {
	procs, err := s.lister.List(ctx)
	if err != nil {
		s.log.Warnf("sweep: process listing failed: %v", err)
		return 0
	}

	reaped := 0
	cutoff := s.now().Add(-s.pushMaxAge)
	for i := range procs {
		p := &procs[i]
		if !isGitPush(p.CommandLine) {
			continue
		}
		if p.CreationDate.IsZero() || p.CreationDate.After(cutoff) {
			continue
		}
		if err := s.lister.Kill(p.PID); err != nil {
			s.log.Warnf("sweep: reap git push %d: %v", p.PID, err)
			continue
		}
		s.log.Infof("sweep: reaped stuck git push PID %d (started %s)", p.PID, p.CreationDate.Format(time.RFC3339))
		reaped++
	}
	return reaped
}

// isGitPush matches both POSIX and Windows git push command lines.
func isGitPush(commandLine string) bool {
	norm := procenum.Normalize(commandLine)
	return strings.Contains(norm, "git push") || strings.Contains(norm, "git.exe push")
}
