package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/taskstore"
)

// newTaskCommand groups task store subcommands.
func newTaskCommand(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage tasks",
	}

	withStore := func(run func(cmd *cobra.Command, store *taskstore.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := st.buildStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return run(cmd, store, args)
		}
	}

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: withStore(func(cmd *cobra.Command, store *taskstore.Store, args []string) error {
			tasks, err := store.ListTasks(cmd.Context(), models.TaskStatus(statusFilter))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				fmt.Fprintf(out, "%-36s  %-12s  %s\n", t.ID, t.Status, t.Title)
			}
			return nil
		}),
	}
	list.Flags().StringVar(&statusFilter, "status", "", "filter by status")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *taskstore.Store, args []string) error {
			task, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", task.ID)
			fmt.Fprintf(out, "title:  %s\n", task.Title)
			if task.Scope != "" {
				fmt.Fprintf(out, "scope:  %s\n", task.Scope)
			}
			fmt.Fprintf(out, "status: %s\n", task.Status)
			if len(task.Labels) > 0 {
				fmt.Fprintf(out, "labels: %v\n", task.Labels)
			}
			for i, a := range task.Attempts {
				fmt.Fprintf(out, "attempt %d: %s on %s (%s)\n",
					i+1, a.AttemptToken, a.ExecutorProfile, a.Outcome)
			}
			return nil
		}),
	}

	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Clear a failed task's park reason so it is dispatched again",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *taskstore.Store, args []string) error {
			task, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if task.Status != models.StatusFailed {
				return withCode(ExitUsage,
					fmt.Errorf("task %s is %s, only failed tasks can be retried", task.ID, task.Status))
			}
			// Clearing the ignore reason makes the failed task dispatchable
			// again; the next attempt performs the failed -> in_progress
			// retry transition.
			state := task.SharedState
			state.IgnoreReason = ""
			state.RetryCount++
			if err := store.UpdateSharedState(cmd.Context(), task.ID, state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s queued for retry\n", task.ID)
			return nil
		}),
	}

	cancel := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *taskstore.Store, args []string) error {
			if err := store.SetStatus(cmd.Context(), args[0], models.StatusCancelled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s cancelled\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list)
	cmd.AddCommand(show)
	cmd.AddCommand(retry)
	cmd.AddCommand(cancel)
	return cmd
}
