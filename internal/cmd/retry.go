package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskforge/queue/pkg/task"
)

func init() {
	rootCmd.AddCommand(retryCmd)
}

var retryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Retry a failed task",
	Long: `retry resets a Failed task back to Ready (or Blocked, if its
dependencies are no longer satisfied) and clears its error message, for
operator-driven re-execution after the automatic retry budget has been
exhausted. With no id, an interactive fuzzy finder lets you pick from
the failed tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		t, err := pickTask(cmd.Context(), app, args, func(t *task.Task) bool {
			return t.Status == task.StatusFailed
		})
		if err != nil {
			return err
		}

		retried, err := app.queue.Retry(cmd.Context(), t.ID)
		if err != nil {
			return err
		}
		app.printer.PrintTask(retried)
		return nil
	},
}
