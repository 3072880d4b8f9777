package cmd

import (
	"context"
	"fmt"

	"github.com/harrison/bosun/internal/branch"
	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/gitops"
	"github.com/harrison/bosun/internal/kanban"
	"github.com/harrison/bosun/internal/logger"
	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/procenum"
	"github.com/harrison/bosun/internal/registry"
	"github.com/harrison/bosun/internal/router"
	"github.com/harrison/bosun/internal/sdk"
	"github.com/harrison/bosun/internal/sweeper"
	"github.com/harrison/bosun/internal/taskstore"
	"github.com/harrison/bosun/internal/worktree"
)

// repoRoot resolves the target repository, preferring the config value and
// falling back to the working directory.
func (st *rootState) repoRoot() (string, error) {
	if st.cfg.RepoRoot != "" {
		return st.cfg.RepoRoot, nil
	}
	root, err := gitops.DiscoverRoot(context.Background(), ".")
	if err != nil {
		return "", fmt.Errorf("no repo_root configured and not inside a git repository: %w", err)
	}
	return root, nil
}

// buildBranches assembles the branch manager with its throttled logger.
func (st *rootState) buildBranches(repoRoot string) *branch.Manager {
	throttled := logger.NewThrottledLogger(st.log, st.cfg.Branch.LogThrottle)
	return branch.New(gitops.New(repoRoot), throttled,
		branch.WithProtected(st.cfg.Branch.ProtectedBranches),
		branch.WithStalePrefixes(st.cfg.Branch.StalePrefixes),
		branch.WithMinAge(st.cfg.Branch.MinAge),
	)
}

// buildWorktrees assembles the worktree manager.
func (st *rootState) buildWorktrees() *worktree.Manager {
	return worktree.New(st.log, worktree.WithMaxAge(st.cfg.Sweep.WorktreeMaxAge))
}

// buildStore opens the task database.
func (st *rootState) buildStore() (*taskstore.Store, error) {
	return taskstore.NewStore(config.TaskDBPath(st.dir))
}

// buildSweeper assembles the maintenance sweeper over one repository.
func (st *rootState) buildSweeper(repoRoot string, archiver sweeper.Archiver) *sweeper.Sweeper {
	return sweeper.New(sweeper.Config{
		Lister:       procenum.New(),
		Worktrees:    st.buildWorktrees(),
		Branches:     st.buildBranches(repoRoot),
		Archiver:     archiver,
		Logger:       st.log,
		RepoRoot:     repoRoot,
		SyncBranches: st.cfg.Branch.SyncBranches,
		PushMaxAge:   st.cfg.Sweep.PushMaxAge,
		ArchiveAfter: st.cfg.Sweep.ArchiveAfter,
	})
}

// buildBackend creates the configured kanban backend wrapped in a circuit
// breaker, or nil when no backend is configured.
func (st *rootState) buildBackend(ctx context.Context) (kanban.Backend, error) {
	switch st.cfg.Kanban.Backend {
	case "":
		return nil, nil
	case "github":
		b, err := kanban.NewGitHubBackend(ctx, st.cfg.Kanban.GitHub)
		if err != nil {
			return nil, err
		}
		return kanban.WithBreaker(b), nil
	case "jira":
		b, err := kanban.NewJiraBackend(ctx, st.cfg.Kanban.Jira, st.cfg.Kanban.SharedStateMode)
		if err != nil {
			return nil, err
		}
		return kanban.WithBreaker(b), nil
	case "vk":
		b, err := kanban.NewVKBackend(st.cfg.Kanban.VK)
		if err != nil {
			return nil, err
		}
		return kanban.WithBreaker(b), nil
	default:
		return nil, fmt.Errorf("unknown kanban backend %q", st.cfg.Kanban.Backend)
	}
}

// buildSyncer creates the kanban syncer, or nil when no backend is
// configured.
func (st *rootState) buildSyncer(ctx context.Context, store *taskstore.Store) (*kanban.Syncer, error) {
	backend, err := st.buildBackend(ctx)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, nil
	}
	return kanban.NewSyncer(store, backend, st.cfg.Kanban.SyncPolicy, st.log), nil
}

// buildRouting assembles the registry and router from config.
func (st *rootState) buildRouting() (*registry.Registry, *router.Router, error) {
	reg, err := registry.New(st.cfg.Executors)
	if err != nil {
		return nil, nil, err
	}
	rt := router.New(reg, st.cfg.Routing.Distribution, st.cfg.Routing.Failover, router.Policy{
		MaxRetries:                   st.cfg.Routing.MaxRetries,
		CooldownMinutes:              st.cfg.Routing.CooldownMinutes,
		DisableOnConsecutiveFailures: st.cfg.Routing.DisableOnConsecutiveFailures,
	})
	return reg, rt, nil
}

// buildClients creates one SDK client per executor kind in use.
func (st *rootState) buildClients(reg *registry.Registry) (map[string]sdk.Client, error) {
	clients := make(map[string]sdk.Client)
	for _, p := range reg.Profiles() {
		slug := sdk.SDKSlug(p.Executor)
		if _, ok := clients[slug]; ok {
			continue
		}
		client, err := sdk.NewClient(models.ExecutorKind(p.Executor))
		if err != nil {
			return nil, err
		}
		clients[slug] = client
	}
	return clients, nil
}
