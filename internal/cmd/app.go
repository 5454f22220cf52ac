package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/config"
	"github.com/taskforge/queue/internal/finder"
	"github.com/taskforge/queue/internal/logging"
	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/internal/ui"
	"github.com/taskforge/queue/pkg/task"
)

// appContext wires the config, store, and queue service shared by every
// command that touches task state.
type appContext struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	printer *ui.Printer
}

func newAppContext() (*appContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	s, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &appContext{
		cfg:     cfg,
		store:   s,
		queue:   queue.New(s),
		printer: ui.New(true, true),
	}, nil
}

func (a *appContext) Close() error {
	return a.store.Close()
}

func (a *appContext) newLogger(component string) *slog.Logger {
	return logging.New(component, logging.ParseLevel(a.cfg.Logging.Level))
}

// pickTask resolves a task either from an explicit id argument or, when
// none was given, interactively via the fuzzy finder over the tasks keep
// admits.
func pickTask(ctx context.Context, app *appContext, args []string, keep func(*task.Task) bool) (*task.Task, error) {
	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q: %w", args[0], err)
		}
		return app.queue.Get(ctx, id)
	}

	all, err := app.queue.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	var candidates []task.Task
	for _, t := range all {
		if keep == nil || keep(t) {
			candidates = append(candidates, *t)
		}
	}
	f := finder.New(finder.Config{Preview: true})
	selected, err := f.SelectTask(candidates)
	if err != nil {
		return nil, fmt.Errorf("selection cancelled: %w", err)
	}
	return selected, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
