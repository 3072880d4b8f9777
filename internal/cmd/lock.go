package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/bosun/internal/lockmgr"
)

// newLockCommand inspects and releases the singleton lock.
func newLockCommand(st *rootState) *cobra.Command {
	var showStatus, release bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or release the singleton lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showStatus == release {
				return withCode(ExitUsage, fmt.Errorf("exactly one of --status or --release is required"))
			}

			mgr := lockmgr.New(st.dir, st.log)
			out := cmd.OutOrStdout()

			if showStatus {
				info, err := mgr.Status()
				if err != nil {
					return err
				}
				if !info.Exists {
					fmt.Fprintln(out, "no lock held")
					return nil
				}
				fmt.Fprintf(out, "owner pid:      %d\n", info.Owner.PID)
				fmt.Fprintf(out, "owner alive:    %v\n", info.Alive)
				fmt.Fprintf(out, "classification: %s\n", info.Class)
				if info.Owner.StartedAt != "" {
					fmt.Fprintf(out, "started at:     %s\n", info.Owner.StartedAt)
				}
				if len(info.Owner.Argv) > 0 {
					fmt.Fprintf(out, "command:        %s\n", strings.Join(info.Owner.Argv, " "))
				}
				return nil
			}

			if err := mgr.ForceRelease(); err != nil {
				return err
			}
			fmt.Fprintln(out, "lock released")
			return nil
		},
	}

	cmd.Flags().BoolVar(&showStatus, "status", false, "show the current lock holder")
	cmd.Flags().BoolVar(&release, "release", false, "remove the lock file")
	return cmd
}
