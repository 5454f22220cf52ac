package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/queue/internal/chain"
	"github.com/taskforge/queue/internal/dispatcher"
	"github.com/taskforge/queue/internal/git"
	"github.com/taskforge/queue/internal/scheduler"
	"github.com/taskforge/queue/internal/worktreemgr"
	"github.com/taskforge/queue/pkg/substrate"
)

var (
	runConcurrency int
	runRepoRoot    string
)

func init() {
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "max in-flight tasks (0 = use config default)")
	runCmd.Flags().StringVar(&runRepoRoot, "repo", ".", "git repository root worktrees are cut from")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher and schedule loop",
	Long: `run starts the dispatcher, which claims Ready tasks and hands them
to the configured agent substrate bounded by a concurrency cap, alongside
the schedule loop that fires recurring and one-shot tasks on their timers.

It runs in the foreground until interrupted; Ctrl+C triggers a graceful
shutdown that waits for in-flight task executions up to the configured
grace period before exiting.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	log := app.newLogger("dispatcher")

	concurrency := runConcurrency
	if concurrency <= 0 {
		concurrency = app.cfg.Limits.ConcurrencyCap
	}

	retention := parseDuration(app.cfg.Worktrees.Retention, 168*time.Hour)
	var wm *worktreemgr.Manager
	if app.cfg.Worktrees.AutoCreate {
		gitRepo := git.New(runRepoRoot)
		wm = worktreemgr.New(gitRepo, app.store.Worktrees(), app.cfg.Worktrees.BaseDir, app.cfg.Worktrees.DefaultBaseRef)
	}

	var substrates []substrate.Substrate
	substrates = append(substrates, substrate.NewCLIAdapter(app.cfg.Substrate.Binary, app.cfg.Substrate.AgentTypes...))

	chainHandler := chain.New(app.queue)

	cfg := dispatcher.Config{
		ConcurrencyCap:     concurrency,
		TickInterval:       parseDuration(app.cfg.Limits.DispatcherTickInterval, time.Second),
		DefaultTaskTimeout: parseDuration(app.cfg.Limits.DefaultTaskTimeout, 30*time.Minute),
		ShutdownGrace:      parseDuration(app.cfg.Limits.ShutdownGrace, 30*time.Second),
	}
	disp := dispatcher.New(app.queue, wm, substrates, chainHandler, cfg, log)

	sched := scheduler.New(app.store.Schedules(), app.queue, app.newLogger("scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, draining in-flight tasks")
		cancel()
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("run: start scheduler: %w", err)
	}

	var cleanupStop chan struct{}
	if wm != nil {
		cleanupStop = make(chan struct{})
		go runWorktreeCleanup(ctx, wm, retention, cleanupStop)
	}

	log.Info("dispatcher starting", "concurrency_cap", concurrency)
	err = disp.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer stopCancel()
	_ = sched.Stop(stopCtx)
	if cleanupStop != nil {
		close(cleanupStop)
	}

	return err
}

// runWorktreeCleanup periodically releases worktrees that have sat
// merged or failed past the configured retention window, until stop is
// closed.
func runWorktreeCleanup(ctx context.Context, wm *worktreemgr.Manager, retention time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = wm.ReleaseStale(ctx, retention)
		}
	}
}
