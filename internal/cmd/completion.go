package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/queue/pkg/task"
)

// getStatusCompletions returns task status values for shell completion.
func getStatusCompletions(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	statuses := []task.Status{
		task.StatusPending, task.StatusBlocked, task.StatusReady, task.StatusRunning,
		task.StatusAwaitingChildren, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}
	var completions []string
	for _, s := range statuses {
		if strings.HasPrefix(string(s), toComplete) {
			completions = append(completions, string(s))
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// getConfigKeyCompletions returns config key names for shell completion.
func getConfigKeyCompletions(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	keys := []struct {
		name string
		desc string
	}{
		{"database.path", "SQLite database file path"},
		{"limits.concurrency_cap", "Max concurrently running tasks"},
		{"limits.default_task_timeout", "Default per-task execution timeout"},
		{"limits.max_retries", "Default max automatic retries"},
		{"worktrees.base_dir", "Base directory for task worktrees"},
		{"worktrees.default_base_ref", "Default branch worktrees are cut from"},
		{"worktrees.retention", "How long completed worktrees are kept"},
		{"logging.level", "Minimum log level"},
		{"substrate.binary", "Agent CLI binary to execute"},
	}

	var completions []string
	for _, key := range keys {
		if strings.HasPrefix(key.name, toComplete) {
			completions = append(completions, fmt.Sprintf("%s\t%s", key.name, key.desc))
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}
