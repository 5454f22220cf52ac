package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskforge/queue/pkg/task"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task and its dependents",
	Long: `cancel transitions a task to Cancelled. Every task transitively
depending on it is cancelled in the same operation, since their
dependency can now never complete; already-terminal tasks are left
untouched. With no id, an interactive fuzzy finder lets you pick from
the non-terminal tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		t, err := pickTask(cmd.Context(), app, args, func(t *task.Task) bool {
			return !t.Status.Terminal()
		})
		if err != nil {
			return err
		}

		if err := app.queue.Cancel(cmd.Context(), t.ID); err != nil {
			return err
		}

		cancelled, err := app.queue.Get(cmd.Context(), t.ID)
		if err != nil {
			return err
		}
		app.printer.PrintTask(cancelled)
		return nil
	},
}
