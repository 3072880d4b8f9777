package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newWorktreeCommand groups worktree maintenance subcommands.
func newWorktreeCommand(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Worktree maintenance",
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Prune dead and aged worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := st.repoRoot()
			if err != nil {
				return err
			}
			result, err := st.buildWorktrees().PruneStale(cmd.Context(), repoRoot)
			if err != nil {
				return err
			}
			for _, e := range result.Errors {
				st.log.Warnf("prune: %v", e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d worktree(s)\n", result.Pruned)
			return nil
		},
	}

	cmd.AddCommand(prune)
	return cmd
}
