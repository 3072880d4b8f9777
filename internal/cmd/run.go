package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/bosun/internal/busgate"
	"github.com/harrison/bosun/internal/lockmgr"
	"github.com/harrison/bosun/internal/supervisor"
)

// newRunCommand creates the long-running orchestrator command.
func newRunCommand(st *rootState) *cobra.Command {
	var noLock bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator supervisor loop",
		Long: `Run acquires the singleton lock for the config directory, then loops:
pull ready tasks, route each to an executor, run the attempt in an isolated
worktree, push the result, and mirror status to the kanban backend.
Maintenance sweeps run on their own timer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			lock := lockmgr.New(st.dir, st.log,
				lockmgr.WithWarnThrottle(st.cfg.Lock.DuplicateWarnThrottle))
			if !noLock {
				res, err := lock.Acquire()
				if err != nil {
					return err
				}
				if !res.Acquired {
					return withCode(ExitLockContention,
						fmt.Errorf("%s", res.Reason))
				}
				lock.InstallCleanup()
				defer lock.Release()
			}

			store, err := st.buildStore()
			if err != nil {
				return err
			}
			defer store.Close()

			repoRoot, err := st.repoRoot()
			if err != nil {
				return err
			}

			reg, rt, err := st.buildRouting()
			if err != nil {
				return err
			}
			clients, err := st.buildClients(reg)
			if err != nil {
				return err
			}
			syncer, err := st.buildSyncer(ctx, store)
			if err != nil {
				return err
			}

			cfg := supervisor.Config{
				Store:         store,
				Registry:      reg,
				Router:        rt,
				Gate:          busgate.New(),
				Worktrees:     st.buildWorktrees(),
				Sweeper:       st.buildSweeper(repoRoot, store),
				Clients:       clients,
				Logger:        st.log,
				RepoRoot:      repoRoot,
				BaseBranch:    st.cfg.BaseBranch,
				SweepInterval: st.cfg.Sweep.Interval,
				OnRelease:     lock.Release,
			}
			if syncer != nil {
				cfg.Kanban = syncer
			}

			sup, err := supervisor.New(cfg)
			if err != nil {
				return err
			}
			err = sup.Run(ctx)
			if err != nil && ctx.Err() != nil {
				// A signal-driven shutdown is a clean exit.
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noLock, "no-lock", false, "skip the singleton lock (testing only)")
	return cmd
}
