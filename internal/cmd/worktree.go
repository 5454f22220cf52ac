package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/queue/internal/git"
	"github.com/taskforge/queue/internal/worktreemgr"
	"github.com/taskforge/queue/pkg/worktree"
)

var (
	worktreePruneRetention time.Duration
	worktreePruneRepoRoot  string
)

func init() {
	worktreePruneCmd.Flags().DurationVar(&worktreePruneRetention, "retention", 0, "only prune worktrees idle longer than this (0 = prune all cleanable)")
	worktreePruneCmd.Flags().StringVar(&worktreePruneRepoRoot, "repo", ".", "git repository root the worktrees belong to")
	worktreeCmd.AddCommand(worktreeListCmd, worktreePruneCmd)
	rootCmd.AddCommand(worktreeCmd)
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Inspect and clean up task worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task worktrees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		worktrees, err := app.store.Worktrees().List(cmd.Context())
		if err != nil {
			return err
		}
		flat := make([]worktree.Worktree, len(worktrees))
		for i, w := range worktrees {
			flat[i] = *w
		}
		app.printer.PrintWorktrees(flat)
		return nil
	},
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove merged and failed worktrees from disk",
	Long: `prune releases every worktree whose work has terminalised (merged
or failed), removing its directory and branch. With --retention, only
worktrees idle longer than the given duration are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		wm := worktreemgr.New(git.New(worktreePruneRepoRoot), app.store.Worktrees(),
			app.cfg.Worktrees.BaseDir, app.cfg.Worktrees.DefaultBaseRef)
		if err := wm.ReleaseStale(cmd.Context(), worktreePruneRetention); err != nil {
			return err
		}
		app.printer.PrintSuccess("pruned cleanable worktrees")
		return nil
	},
}
