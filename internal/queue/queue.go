// Package queue implements the task queue service: submission, state
// machine transitions, readiness computation, and retry handling, composed
// from the dependency resolver and priority calculator.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/depgraph"
	"github.com/taskforge/queue/internal/priority"
	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/task"
)

// Queue is the task queue service. It is safe for concurrent use; all
// mutation goes through the store's CAS primitives rather than an in-memory
// lock.
type Queue struct {
	store   *store.Store
	backoff backoffConfig
	rnd     *rand.Rand
	now     func() time.Time
}

// New constructs a Queue backed by s.
func New(s *store.Store) *Queue {
	return &Queue{
		store:   s,
		backoff: defaultBackoff,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Submit validates and inserts a new task, resolving its dependency depth
// and initial status. A task with unresolved or cyclic dependencies is
// rejected before it reaches storage. Resubmission with a previously used
// IdempotencyKey returns the existing task rather than creating a
// duplicate.
func (q *Queue) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.IdempotencyKey != "" {
		if existing, err := q.store.Tasks().GetByIdempotencyKey(ctx, t.IdempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}
	if err := t.Validate(); err != nil {
		return nil, queueerr.Wrap(queueerr.KindValidation, err, "invalid task")
	}

	deps, err := q.resolveDependencies(ctx, t.Dependencies)
	if err != nil {
		return nil, err
	}

	all := append(append([]*task.Task{}, deps...), t)
	graph := depgraph.New(all)
	if cycle := graph.DetectCycle(); cycle.IsSome() {
		return nil, queueerr.CycleDetected(cycle.Unwrap())
	}

	t.DependencyDepth = graph.Depth(t.ID)
	t.CalculatedPriority = priority.Calculate(t, q.now())
	if graph.Ready(t.ID) {
		t.Status = task.StatusReady
	} else {
		t.Status = task.StatusBlocked
	}

	if err := q.store.Tasks().Create(ctx, t); err != nil {
		return nil, err
	}
	if len(t.Dependencies) > 0 {
		if err := q.store.Tasks().SetDependencies(ctx, t.ID, t.Dependencies); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (q *Queue) resolveDependencies(ctx context.Context, ids []uuid.UUID) ([]*task.Task, error) {
	deps := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		dep, err := q.store.Tasks().Get(ctx, id)
		if err != nil {
			return nil, queueerr.Wrap(queueerr.KindUnmetDependencies, err, "dependency %s unresolved", id)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// Get loads a task by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return q.store.Tasks().Get(ctx, id)
}

// List returns tasks matching f; a nil filter matches everything.
func (q *Queue) List(ctx context.Context, f *store.TaskFilter) ([]*task.Task, error) {
	return q.store.Tasks().List(ctx, f)
}

// Count returns the number of tasks matching f, ignoring its paging.
func (q *Queue) Count(ctx context.Context, f *store.TaskFilter) (int, error) {
	return q.store.Tasks().Count(ctx, f)
}

// ListChildren returns every task whose ParentTaskID is id.
func (q *Queue) ListChildren(ctx context.Context, id uuid.UUID) ([]*task.Task, error) {
	return q.store.Tasks().ListChildren(ctx, id)
}

// GetReadyBatch returns up to limit Ready tasks, ordered by priority then
// age, for the dispatcher to claim.
func (q *Queue) GetReadyBatch(ctx context.Context, limit int) ([]*task.Task, error) {
	ready, err := q.store.Tasks().ListReady(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// MarkRunning attempts to claim a Ready task for execution, transitioning
// it to Running. worktreePath, if non-empty, is recorded on the task in the
// same CAS write, so a worktree is never associated with a task that never
// reached Running. Races between dispatcher workers are resolved by the
// store's CAS: the loser gets KindOptimisticLockConflict and should move on
// to the next candidate rather than retry this one, since another worker
// already claimed it.
func (q *Queue) MarkRunning(ctx context.Context, id uuid.UUID, worktreePath string) (*task.Task, error) {
	t, err := q.store.Tasks().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusReady {
		return nil, queueerr.InvalidTransition(string(t.Status), string(task.StatusRunning))
	}
	status := task.StatusRunning
	now := q.now()
	patch := &task.Patch{Status: &status, StartedAt: &now}
	if worktreePath != "" {
		patch.WorktreePath = &worktreePath
	}
	return q.store.Tasks().CAS(ctx, id, t.Version, patch)
}

// Outcome is the result a substrate reports after executing a task.
type Outcome struct {
	Success    bool
	ResultData []byte
	ErrorMsg   string
	// Timeout marks a failure as having exceeded the task's execution
	// deadline: it skips the automatic retry budget and fails immediately,
	// leaving the retry budget available to an operator-driven retry.
	Timeout bool
}

// ReportOutcome applies a substrate's execution result to a Running task,
// retrying the CAS write under backoff if it races with a concurrent
// cancellation. On failure it either retries (RetryCount < MaxRetries,
// transitioning back to Ready) or terminates as Failed. A task cancelled
// mid-flight has already left Running by the time its substrate call
// returns; the LLM boundary offers no cooperative cancellation, so the
// outcome that arrives late is simply discarded rather than overriding the
// cancellation.
func (q *Queue) ReportOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) (*task.Task, error) {
	updated, err := q.withCASRetry(ctx, id, func(t *task.Task) (*task.Patch, error) {
		if t.Status == task.StatusCancelled {
			return nil, nil
		}
		if t.Status != task.StatusRunning {
			return nil, queueerr.InvalidTransition(string(t.Status), "outcome-report")
		}
		now := q.now()
		if outcome.Success {
			status := task.StatusCompleted
			return &task.Patch{Status: &status, ResultData: outcome.ResultData, CompletedAt: &now}, nil
		}

		if outcome.Timeout {
			status := task.StatusFailed
			msg := outcome.ErrorMsg
			return &task.Patch{Status: &status, ErrorMessage: &msg, CompletedAt: &now}, nil
		}

		retryCount := t.RetryCount + 1
		if retryCount > t.MaxRetries {
			status := task.StatusFailed
			msg := outcome.ErrorMsg
			return &task.Patch{Status: &status, ErrorMessage: &msg, RetryCount: &retryCount, CompletedAt: &now}, nil
		}
		status := task.StatusReady
		msg := outcome.ErrorMsg
		return &task.Patch{Status: &status, ErrorMessage: &msg, RetryCount: &retryCount}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status.Terminal() {
		if err := q.onTerminal(ctx, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// onTerminal runs the transitions a newly terminal task can unlock: its
// Blocked dependents may now be Ready, and its parent's AwaitingChildren
// join may now be complete.
func (q *Queue) onTerminal(ctx context.Context, t *task.Task) error {
	if err := q.RecomputeBlockedTransitions(ctx, t.ID); err != nil {
		return err
	}
	return q.promoteAwaitingParent(ctx, t)
}

// promoteAwaitingParent checks whether t's parent, if parked in
// AwaitingChildren, has now seen every awaited child reach a terminal
// state. A satisfied join promotes the parent back to Ready; a parent
// whose DependencyType demands sequential completion fails instead when
// any awaited child terminalised without completing.
func (q *Queue) promoteAwaitingParent(ctx context.Context, t *task.Task) error {
	if t.ParentTaskID == nil {
		return nil
	}
	parent, err := q.store.Tasks().Get(ctx, *t.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusAwaitingChildren {
		return nil
	}

	allCompleted := true
	var incomplete uuid.UUID
	for _, cid := range parent.AwaitingChildren {
		c, err := q.store.Tasks().Get(ctx, cid)
		if err != nil {
			return err
		}
		if !c.Status.Terminal() {
			return nil
		}
		if c.Status != task.StatusCompleted {
			allCompleted = false
			incomplete = cid
		}
	}

	promoted, err := q.withCASRetry(ctx, parent.ID, func(p *task.Task) (*task.Patch, error) {
		if p.Status != task.StatusAwaitingChildren {
			return nil, nil
		}
		cleared := []uuid.UUID{}
		if p.DependencyType == task.DependencySequential && !allCompleted {
			status := task.StatusFailed
			msg := fmt.Sprintf("child task %s did not complete", incomplete)
			now := q.now()
			return &task.Patch{Status: &status, ErrorMessage: &msg, AwaitingChildren: cleared, CompletedAt: &now}, nil
		}
		status := task.StatusReady
		return &task.Patch{Status: &status, AwaitingChildren: cleared}, nil
	})
	if err != nil {
		return err
	}
	if promoted.Status.Terminal() {
		return q.onTerminal(ctx, promoted)
	}
	return nil
}

// Cancel transitions a non-terminal task to Cancelled and cascades
// cancellation to every task transitively depending on it, since their
// dependency can now never complete.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return queueerr.New(queueerr.KindTerminalStateViolation, "task %s is already %s", id, t.Status)
	}

	if _, err := q.withCASRetry(ctx, id, func(t *task.Task) (*task.Patch, error) {
		status := task.StatusCancelled
		now := q.now()
		return &task.Patch{Status: &status, CompletedAt: &now}, nil
	}); err != nil {
		return err
	}

	dependents, err := q.store.Tasks().ListDependents(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if dep.Status.Terminal() {
			continue
		}
		if err := q.Cancel(ctx, dep.ID); err != nil {
			return err
		}
	}
	return q.promoteAwaitingParent(ctx, t)
}

// Retry resets a Failed task back to Ready or Blocked (depending on whether
// its dependencies are still satisfied) and clears its error, for operator
// or chain-driven re-execution after exhausting automatic retries.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	updated, err := q.withCASRetry(ctx, id, func(t *task.Task) (*task.Patch, error) {
		if t.Status != task.StatusFailed {
			return nil, queueerr.InvalidTransition(string(t.Status), string(task.StatusReady))
		}
		retryCount := t.RetryCount + 1
		msg := ""
		status := task.StatusReady
		if len(t.Dependencies) > 0 {
			status = task.StatusBlocked
		}
		return &task.Patch{Status: &status, RetryCount: &retryCount, ErrorMessage: &msg, ClearTimestamps: true}, nil
	})
	if err != nil || updated.Status != task.StatusBlocked {
		return updated, err
	}

	// The dependencies may have been satisfied all along; nothing else is
	// going to terminalise and re-trigger the Blocked check, so run it now.
	all, err := q.loadGraphTasks(ctx, updated)
	if err != nil {
		return updated, err
	}
	if !depgraph.New(all).Ready(updated.ID) {
		return updated, nil
	}
	return q.withCASRetry(ctx, id, func(t *task.Task) (*task.Patch, error) {
		if t.Status != task.StatusBlocked {
			return nil, nil
		}
		status := task.StatusReady
		return &task.Patch{Status: &status}, nil
	})
}

// RecomputeBlockedTransitions promotes every Blocked task whose
// dependencies are now satisfied to Ready. Called after a task completes so
// its dependents unblock without polling.
func (q *Queue) RecomputeBlockedTransitions(ctx context.Context, completedID uuid.UUID) error {
	dependents, err := q.store.Tasks().ListDependents(ctx, completedID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if dep.Status != task.StatusBlocked {
			continue
		}
		allTasks, err := q.loadGraphTasks(ctx, dep)
		if err != nil {
			return err
		}
		graph := depgraph.New(allTasks)
		if !graph.Ready(dep.ID) {
			continue
		}
		if _, err := q.withCASRetry(ctx, dep.ID, func(t *task.Task) (*task.Patch, error) {
			if t.Status != task.StatusBlocked {
				return nil, queueerr.InvalidTransition(string(t.Status), string(task.StatusReady))
			}
			status := task.StatusReady
			return &task.Patch{Status: &status}, nil
		}); err != nil && !queueerr.Is(err, queueerr.KindInvalidTransition) {
			return err
		}
	}
	return nil
}

// Decompose atomically transitions parent into AwaitingChildren and
// inserts every child, folding any child whose idempotency key already
// exists into the existing set rather than erroring — decomposition may be
// replayed by a retried substrate call and must not duplicate children.
func (q *Queue) Decompose(ctx context.Context, parentID uuid.UUID, children []*task.Task) (*store.DecomposeResult, error) {
	for _, c := range children {
		if err := c.Validate(); err != nil {
			return nil, queueerr.Wrap(queueerr.KindValidation, err, "invalid child of %s", parentID)
		}
		pid := parentID
		c.ParentTaskID = &pid
		c.Status = task.StatusReady
		c.CalculatedPriority = priority.Calculate(c, q.now())
	}

	// Same conflict handling as withCASRetry: a losing decomposition
	// re-reads the parent's version and replays; the transaction rolled
	// back, so the children insert cleanly on the next attempt (or fold
	// into AlreadyExisted if a competing decomposition won).
	var lastErr error
	for attempt := 1; attempt <= q.backoff.MaxRetries+1; attempt++ {
		parent, err := q.store.Tasks().Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		res, err := q.store.Tasks().AtomicDecompose(ctx, parentID, parent.Version, children)
		if err == nil {
			return res, nil
		}
		if !queueerr.Is(err, queueerr.KindOptimisticLockConflict) {
			return nil, err
		}
		lastErr = err
		if attempt > q.backoff.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.backoff.delay(attempt, q.rnd)):
		}
	}
	return nil, lastErr
}

func (q *Queue) loadGraphTasks(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	all := []*task.Task{t}
	for _, depID := range t.Dependencies {
		dep, err := q.store.Tasks().Get(ctx, depID)
		if err != nil {
			return nil, err
		}
		all = append(all, dep)
	}
	return all, nil
}

// UpdateDependencies replaces a non-terminal task's dependency list. The
// change is rejected with CycleDetected before anything is written if the
// new edges would close a cycle through the task's transitive dependency
// graph; on success the task's depth, priority, and Blocked/Ready status
// are recomputed under CAS.
func (q *Queue) UpdateDependencies(ctx context.Context, id uuid.UUID, deps []uuid.UUID) (*task.Task, error) {
	t, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, queueerr.New(queueerr.KindTerminalStateViolation, "task %s is already %s", id, t.Status)
	}

	subgraph, err := q.loadTransitiveDeps(ctx, deps)
	if err != nil {
		return nil, err
	}
	candidate := *t
	candidate.Dependencies = deps
	all := append(subgraph, &candidate)
	graph := depgraph.New(all)
	if cycle := graph.DetectCycle(); cycle.IsSome() {
		return nil, queueerr.CycleDetected(cycle.Unwrap())
	}

	if err := q.store.Tasks().SetDependencies(ctx, id, deps); err != nil {
		return nil, err
	}

	depth := graph.Depth(id)
	return q.withCASRetry(ctx, id, func(cur *task.Task) (*task.Patch, error) {
		cur.Dependencies = deps
		cur.DependencyDepth = depth
		prio := priority.Calculate(cur, q.now())
		patch := &task.Patch{DependencyDepth: &depth, CalculatedPriority: &prio}
		switch cur.Status {
		case task.StatusBlocked, task.StatusReady, task.StatusPending:
			status := task.StatusBlocked
			if graph.Ready(id) {
				status = task.StatusReady
			}
			patch.Status = &status
		}
		return patch, nil
	})
}

// loadTransitiveDeps walks the dependency closure of ids through the
// store, so a cycle check sees every edge reachable from the new list.
func (q *Queue) loadTransitiveDeps(ctx context.Context, ids []uuid.UUID) ([]*task.Task, error) {
	seen := make(map[uuid.UUID]bool)
	var out []*task.Task
	queue := append([]uuid.UUID(nil), ids...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		dep, err := q.store.Tasks().Get(ctx, next)
		if err != nil {
			return nil, queueerr.Wrap(queueerr.KindUnmetDependencies, err, "dependency %s unresolved", next)
		}
		out = append(out, dep)
		queue = append(queue, dep.Dependencies...)
	}
	return out, nil
}

// patchFunc computes the patch to apply to the current state of a task
// under CAS, or an error to abort the retry loop.
type patchFunc func(current *task.Task) (*task.Patch, error)

// withCASRetry re-reads the task, computes a patch from its current state,
// and writes it under CAS, retrying with backoff on
// KindOptimisticLockConflict up to q.backoff.MaxRetries times. Any other
// error, including one returned by fn itself, aborts immediately.
func (q *Queue) withCASRetry(ctx context.Context, id uuid.UUID, fn patchFunc) (*task.Task, error) {
	var lastErr error
	for attempt := 1; attempt <= q.backoff.MaxRetries+1; attempt++ {
		current, err := q.store.Tasks().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		patch, err := fn(current)
		if err != nil {
			return nil, err
		}
		if patch == nil {
			return current, nil
		}
		updated, err := q.store.Tasks().CAS(ctx, id, current.Version, patch)
		if err == nil {
			return updated, nil
		}
		if !queueerr.Is(err, queueerr.KindOptimisticLockConflict) {
			return nil, err
		}
		lastErr = err
		if attempt > q.backoff.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.backoff.delay(attempt, q.rnd)):
		}
	}
	return nil, lastErr
}
