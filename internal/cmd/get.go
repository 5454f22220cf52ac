package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskforge/queue/pkg/task"
)

var getJSON bool

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the task as JSON")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show a single task",
	Long: `get shows a task's full detail. With no id, an interactive fuzzy
finder lets you pick from all tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		t, err := pickTask(cmd.Context(), app, args, nil)
		if err != nil {
			return err
		}

		if getJSON {
			return app.printer.PrintTasksJSON([]task.Task{*t})
		}
		app.printer.PrintTask(t)
		return nil
	},
}
