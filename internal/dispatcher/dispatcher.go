// Package dispatcher runs the scheduling loop that claims Ready tasks and
// hands them to a substrate for execution, bounded by a concurrency cap
// enforced with a buffered-channel semaphore.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/chain"
	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/internal/worktreemgr"
	"github.com/taskforge/queue/pkg/substrate"
	"github.com/taskforge/queue/pkg/task"
)

// Config controls the dispatcher's tick cadence and resource limits.
type Config struct {
	ConcurrencyCap     int
	TickInterval       time.Duration
	DefaultTaskTimeout time.Duration
	ShutdownGrace      time.Duration
}

// Dispatcher repeatedly claims Ready tasks and executes them against a
// Substrate, bounded by a buffered-channel semaphore sized to ConcurrencyCap.
type Dispatcher struct {
	queue      *queue.Queue
	worktrees  *worktreemgr.Manager
	substrates []substrate.Substrate
	chain      *chain.Handler
	cfg        Config
	log        *slog.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Dispatcher. substrates are tried in order for each
// task's AgentType via Substrate.CanHandle.
func New(q *queue.Queue, wm *worktreemgr.Manager, substrates []substrate.Substrate, ch *chain.Handler, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 30 * time.Minute
	}
	return &Dispatcher{
		queue:      q,
		worktrees:  wm,
		substrates: substrates,
		chain:      ch,
		cfg:        cfg,
		log:        log,
		slots:      make(chan struct{}, cfg.ConcurrencyCap),
	}
}

// Run claims and executes Ready tasks until ctx is cancelled, then waits up
// to ShutdownGrace for in-flight executions to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverOrphans(ctx); err != nil {
		d.log.Error("orphan recovery failed", "error", err)
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) shutdown() error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.ShutdownGraceOrDefault()):
		return nil
	}
}

// ShutdownGraceOrDefault returns the configured grace period, defaulting to
// 30 seconds when unset.
func (c Config) ShutdownGraceOrDefault() time.Duration {
	if c.ShutdownGrace <= 0 {
		return 30 * time.Second
	}
	return c.ShutdownGrace
}

func (d *Dispatcher) tick(ctx context.Context) {
	available := cap(d.slots) - len(d.slots)
	if available <= 0 {
		return
	}
	ready, err := d.queue.GetReadyBatch(ctx, available)
	if err != nil {
		d.log.Error("list ready tasks failed", "error", err)
		return
	}
	for _, t := range ready {
		select {
		case d.slots <- struct{}{}:
		default:
			return
		}
		d.wg.Add(1)
		go d.execute(ctx, t)
	}
}

func (d *Dispatcher) execute(ctx context.Context, t *task.Task) {
	defer d.wg.Done()
	defer func() { <-d.slots }()

	worktreePath := t.WorktreePath
	if d.worktrees != nil && worktreePath == "" {
		wt, err := d.worktrees.EnsureWorktree(ctx, t, chainFeatureName(t), "")
		if err != nil {
			d.log.Error("worktree allocation failed", "task_id", t.ID, "error", err)
			_, _ = d.queue.ReportOutcome(ctx, t.ID, queue.Outcome{Success: false, ErrorMsg: err.Error()})
			return
		}
		worktreePath = wt.Path
	}

	claimed, err := d.queue.MarkRunning(ctx, t.ID, worktreePath)
	if err != nil {
		d.log.Warn("task claim lost to another worker", "task_id", t.ID, "error", err)
		return
	}

	sub := d.substrateFor(claimed.AgentType)
	if sub == nil {
		d.log.Error("no substrate for agent type", "task_id", claimed.ID, "agent_type", claimed.AgentType)
		_, _ = d.queue.ReportOutcome(ctx, claimed.ID, queue.Outcome{Success: false, ErrorMsg: "no substrate registered for agent type"})
		return
	}

	timeout := d.cfg.DefaultTaskTimeout
	if claimed.MaxExecutionTimeoutSeconds > 0 {
		timeout = time.Duration(claimed.MaxExecutionTimeoutSeconds) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := sub.Execute(execCtx, substrate.Request{
		TaskID:       claimed.ID,
		AgentType:    claimed.AgentType,
		Summary:      claimed.Summary,
		Description:  claimed.Description,
		InputData:    claimed.InputData,
		WorktreePath: claimed.WorktreePath,
		Timeout:      timeout,
	})
	if err != nil {
		timedOut := execCtx.Err() == context.DeadlineExceeded
		if se, ok := err.(*substrate.Error); ok {
			timedOut = timedOut || se.Timeout
		}
		if timedOut {
			d.log.Error("substrate execution timed out", "task_id", claimed.ID, "error", err)
			_, _ = d.queue.ReportOutcome(ctx, claimed.ID, queue.Outcome{Success: false, ErrorMsg: "timeout exceeded", Timeout: true})
			return
		}
		d.log.Error("substrate execution failed", "task_id", claimed.ID, "error", err)
		_, _ = d.queue.ReportOutcome(ctx, claimed.ID, queue.Outcome{Success: false, ErrorMsg: err.Error()})
		return
	}

	d.handleResponse(ctx, claimed, resp)
}

func (d *Dispatcher) handleResponse(ctx context.Context, t *task.Task, resp substrate.Response) {
	switch resp.Outcome {
	case substrate.OutcomeChain:
		if err := d.chain.Advance(ctx, t, resp.Result); err != nil {
			d.log.Error("chain advance failed", "task_id", t.ID, "error", err)
		}
	case substrate.OutcomeDecompose:
		if err := d.chain.Decompose(ctx, t, resp.Result); err != nil {
			d.log.Error("decompose failed", "task_id", t.ID, "error", err)
		}
	case substrate.OutcomeFailed:
		failed, err := d.queue.ReportOutcome(ctx, t.ID, queue.Outcome{Success: false, ErrorMsg: resp.ErrorMsg})
		if err != nil {
			d.log.Error("report failure outcome failed", "task_id", t.ID, "error", err)
			return
		}
		if d.worktrees != nil && failed != nil && failed.Status.Terminal() {
			if err := d.worktrees.Fail(ctx, t.ID, resp.ErrorMsg); err != nil {
				d.log.Error("mark worktree failed failed", "task_id", t.ID, "error", err)
			}
		}
	default:
		if _, err := d.queue.ReportOutcome(ctx, t.ID, queue.Outcome{Success: true, ResultData: resp.Result}); err != nil {
			d.log.Error("report success outcome failed", "task_id", t.ID, "error", err)
			return
		}
		d.completeWorktree(ctx, t.ID)
	}
}

func (d *Dispatcher) completeWorktree(ctx context.Context, taskID uuid.UUID) {
	if d.worktrees == nil {
		return
	}
	w, err := d.worktrees.Store().GetByTask(ctx, taskID)
	if err != nil || w == nil {
		return
	}
	if err := d.worktrees.Complete(ctx, w); err != nil {
		d.log.Error("mark worktree complete failed", "task_id", taskID, "error", err)
	}
}

// chainFeatureName extracts the feature_name field a chain step's input
// data may carry, so a task created by chain.Handler.Advance reuses its
// predecessor's branch instead of deriving a fresh one from its own
// summary.
func chainFeatureName(t *task.Task) string {
	if len(t.InputData) == 0 {
		return ""
	}
	var payload struct {
		FeatureName string `json:"feature_name"`
	}
	if err := json.Unmarshal(t.InputData, &payload); err != nil {
		return ""
	}
	return payload.FeatureName
}

func (d *Dispatcher) substrateFor(agentType string) substrate.Substrate {
	for _, s := range d.substrates {
		if s.CanHandle(agentType) {
			return s
		}
	}
	return nil
}

// recoverOrphans resets tasks left Running by a prior crash back to Ready,
// so they are re-dispatched rather than stuck forever.
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	running := task.StatusRunning
	orphans, err := d.queue.List(ctx, &store.TaskFilter{Status: &running})
	if err != nil {
		return err
	}
	for _, o := range orphans {
		if _, err := d.queue.ReportOutcome(ctx, o.ID, queue.Outcome{Success: false, ErrorMsg: "orphaned by restart, resubmitted"}); err != nil {
			d.log.Error("orphan recovery failed for task", "task_id", o.ID, "error", err)
		}
	}
	return nil
}
