package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/task"
)

var (
	listStatus        string
	listAgent         string
	listParent        string
	listFeatureBranch string
	listLimit         int
	listOffset        int
	listCount         bool
	listVerbose       bool
	listJSON          bool
)

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, blocked, ready, running, awaiting_children, completed, failed, cancelled)")
	listCmd.Flags().StringVar(&listAgent, "agent", "", "filter by agent type")
	listCmd.Flags().StringVar(&listParent, "parent", "", "filter by parent task id")
	listCmd.Flags().StringVar(&listFeatureBranch, "feature-branch", "", "filter by feature branch")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "return at most this many tasks (0 = all)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many tasks before returning results")
	listCmd.Flags().BoolVar(&listCount, "count", false, "print only the number of matching tasks")
	listCmd.Flags().BoolVarP(&listVerbose, "verbose", "v", false, "show extra columns")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print tasks as JSON")
	_ = listCmd.RegisterFlagCompletionFunc("status", getStatusCompletions)
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		filter := &store.TaskFilter{
			AgentType:     listAgent,
			FeatureBranch: listFeatureBranch,
			Limit:         listLimit,
			Offset:        listOffset,
		}
		if listStatus != "" {
			s := task.Status(listStatus)
			if !s.Valid() {
				return fmt.Errorf("list: unknown status %q", listStatus)
			}
			filter.Status = &s
		}
		if listParent != "" {
			id, err := uuid.Parse(listParent)
			if err != nil {
				return fmt.Errorf("list: invalid parent task id %q: %w", listParent, err)
			}
			filter.ParentTaskID = &id
		}

		if listCount {
			n, err := app.queue.Count(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		}

		tasks, err := app.queue.List(cmd.Context(), filter)
		if err != nil {
			return err
		}

		flat := make([]task.Task, len(tasks))
		for i, t := range tasks {
			flat[i] = *t
		}

		if listJSON {
			return app.printer.PrintTasksJSON(flat)
		}
		app.printer.PrintTasks(flat, listVerbose)
		return nil
	},
}
