package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/queue/internal/tui"
	"github.com/taskforge/queue/pkg/task"
)

var (
	workerStatusWatch    bool
	workerStatusInterval time.Duration
)

func init() {
	workerStatusCmd.Flags().BoolVar(&workerStatusWatch, "watch", false, "render a live-refreshing status board instead of a one-shot table")
	workerStatusCmd.Flags().DurationVar(&workerStatusInterval, "interval", 2*time.Second, "refresh interval when --watch is set")
	workerCmd.AddCommand(workerStatusCmd)
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect the dispatcher's view of the task queue",
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current task counts by status",
	Long: `status prints every task and its current state. With --watch it
instead opens a live-refreshing terminal view that polls the queue on an
interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		if workerStatusWatch {
			return tui.Run(cmd.Context(), app.queue, workerStatusInterval)
		}

		tasks, err := app.queue.List(cmd.Context(), nil)
		if err != nil {
			return err
		}
		all := make([]task.Task, 0, len(tasks))
		for _, t := range tasks {
			all = append(all, *t)
		}
		app.printer.PrintTasks(all, true)
		return nil
	},
}
