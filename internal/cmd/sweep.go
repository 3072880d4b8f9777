package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSweepCommand runs one maintenance sweep and exits.
func newSweepCommand(st *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep",
		Long: `Sweep runs the maintenance steps once: kill stale orchestrators, reap
stuck git pushes, prune dead worktrees, sync tracking branches, delete stale
task branches, archive old terminal tasks, and repair repo config corruption.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			repoRoot, err := st.repoRoot()
			if err != nil {
				return err
			}

			store, err := st.buildStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sw := st.buildSweeper(repoRoot, store)
			result := sw.Sweep(ctx, 0)

			if syncer, err := st.buildSyncer(ctx, store); err != nil {
				return withCode(ExitBackendUnavail, err)
			} else if syncer != nil {
				if err := syncer.Sync(ctx); err != nil {
					return withCode(ExitBackendUnavail,
						fmt.Errorf("%w", err))
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stale orchestrators killed: %d\n", result.StaleKilled)
			fmt.Fprintf(out, "stuck pushes reaped:        %d\n", result.PushesReaped)
			fmt.Fprintf(out, "worktrees pruned:           %d\n", result.WorktreesPruned)
			fmt.Fprintf(out, "branches synced:            %d\n", result.BranchesSynced)
			fmt.Fprintf(out, "branches deleted:           %d\n", result.BranchesDeleted)
			fmt.Fprintf(out, "tasks archived:             %d\n", result.TasksArchived)
			return nil
		},
	}
}
