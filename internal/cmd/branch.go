package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/bosun/internal/branch"
)

// newBranchCommand groups branch sync and cleanup subcommands.
func newBranchCommand(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Branch sync and cleanup",
	}

	sync := &cobra.Command{
		Use:   "sync [branches...]",
		Short: "Fast-forward local tracking branches against origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := st.repoRoot()
			if err != nil {
				return err
			}
			branches := args
			if len(branches) == 0 {
				branches = st.cfg.Branch.SyncBranches
			}
			synced := st.buildBranches(repoRoot).SyncLocalTrackingBranches(cmd.Context(), branches)
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d branch(es)\n", synced)
			return nil
		},
	}

	var dryRun bool
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale task branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := st.repoRoot()
			if err != nil {
				return err
			}
			result := st.buildBranches(repoRoot).CleanupStaleBranches(cmd.Context(),
				branch.CleanupOptions{DryRun: dryRun})

			out := cmd.OutOrStdout()
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			for _, b := range result.Deleted {
				fmt.Fprintf(out, "%s %s\n", verb, b)
			}
			for _, s := range result.Skipped {
				fmt.Fprintf(out, "skipped %s (%s)\n", s.Branch, s.Reason)
			}
			for _, e := range result.Errors {
				st.log.Warnf("cleanup: %v", e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("cleanup finished with %d error(s)", len(result.Errors))
			}
			return nil
		},
	}
	cleanup.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without deleting")

	cmd.AddCommand(sync)
	cmd.AddCommand(cleanup)
	return cmd
}
