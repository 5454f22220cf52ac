package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/task"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "queue.db")
	s, err := store.New(dsn)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func mustSubmit(t *testing.T, q *Queue, tk *task.Task) *task.Task {
	t.Helper()
	created, err := q.Submit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", tk.Summary, err)
	}
	return created
}

func TestSubmitNoDepsIsReady(t *testing.T) {
	q := newTestQueue(t)
	tk := task.New("root", "", "coder")
	created := mustSubmit(t, q, tk)
	if created.Status != task.StatusReady {
		t.Errorf("Status = %s, want Ready", created.Status)
	}
	if created.DependencyDepth != 0 {
		t.Errorf("DependencyDepth = %d, want 0", created.DependencyDepth)
	}
}

func TestSubmitWithDepsIsBlocked(t *testing.T) {
	q := newTestQueue(t)
	a := mustSubmit(t, q, task.New("a", "", "coder"))

	b := task.New("b", "", "coder")
	b.Dependencies = []uuid.UUID{a.ID}
	created := mustSubmit(t, q, b)

	if created.Status != task.StatusBlocked {
		t.Errorf("Status = %s, want Blocked", created.Status)
	}
	if created.DependencyDepth != 1 {
		t.Errorf("DependencyDepth = %d, want 1", created.DependencyDepth)
	}
}

func TestSubmitIdempotentResubmission(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a := task.New("first summary", "", "coder")
	a.IdempotencyKey = "k1"
	first, err := q.Submit(ctx, a)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	b := task.New("second summary", "", "coder")
	b.IdempotencyKey = "k1"
	second, err := q.Submit(ctx, b)
	if err != nil {
		t.Fatalf("Submit() resubmission error = %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("resubmission returned a different id: %s != %s", first.ID, second.ID)
	}
	if second.Summary != "first summary" {
		t.Errorf("Summary = %q, want original %q unchanged", second.Summary, "first summary")
	}

	all, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("idempotent resubmission created %d rows, want 1", len(all))
	}
}

func TestLinearChainCompletesInOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a := mustSubmit(t, q, task.New("a", "", "coder"))
	bTask := task.New("b", "", "coder")
	bTask.Dependencies = []uuid.UUID{a.ID}
	b := mustSubmit(t, q, bTask)
	cTask := task.New("c", "", "coder")
	cTask.Dependencies = []uuid.UUID{b.ID}
	c := mustSubmit(t, q, cTask)

	if b.Status != task.StatusBlocked || c.Status != task.StatusBlocked {
		t.Fatalf("expected b and c to start Blocked, got %s, %s", b.Status, c.Status)
	}

	if _, err := q.MarkRunning(ctx, a.ID, ""); err != nil {
		t.Fatalf("MarkRunning(a) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, a.ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome(a) error = %v", err)
	}

	b2, err := q.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if b2.Status != task.StatusReady {
		t.Fatalf("b.Status = %s, want Ready after a completes", b2.Status)
	}

	if _, err := q.MarkRunning(ctx, b.ID, ""); err != nil {
		t.Fatalf("MarkRunning(b) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, b.ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome(b) error = %v", err)
	}

	c2, err := q.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get(c) error = %v", err)
	}
	if c2.Status != task.StatusReady {
		t.Fatalf("c.Status = %s, want Ready after b completes", c2.Status)
	}
	if c2.DependencyDepth != 2 {
		t.Errorf("c.DependencyDepth = %d, want 2", c2.DependencyDepth)
	}
}

func TestCancelCascadesToDependents(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a := mustSubmit(t, q, task.New("a", "", "coder"))
	bTask := task.New("b", "", "coder")
	bTask.Dependencies = []uuid.UUID{a.ID}
	b := mustSubmit(t, q, bTask)
	cTask := task.New("c", "", "coder")
	cTask.Dependencies = []uuid.UUID{b.ID}
	c := mustSubmit(t, q, cTask)

	if err := q.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel(a) error = %v", err)
	}

	for name, id := range map[string]uuid.UUID{"a": a.ID, "b": b.ID, "c": c.ID} {
		got, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
		if got.Status != task.StatusCancelled {
			t.Errorf("%s.Status = %s, want Cancelled", name, got.Status)
		}
	}
}

func TestRetryOnlyValidFromFailed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	tk := task.New("a", "", "coder")
	tk.MaxRetries = 0
	a := mustSubmit(t, q, tk)
	if _, err := q.Retry(ctx, a.ID); err == nil {
		t.Fatal("Retry() on a Ready task should fail")
	}

	if _, err := q.MarkRunning(ctx, a.ID, ""); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, a.ID, Outcome{Success: false, ErrorMsg: "boom"}); err != nil {
		t.Fatalf("ReportOutcome() error = %v", err)
	}

	failed, err := q.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if failed.Status != task.StatusFailed {
		t.Fatalf("Status = %s, want Failed (max_retries exhausted)", failed.Status)
	}

	retried, err := q.Retry(ctx, a.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Status != task.StatusReady {
		t.Errorf("Status = %s, want Ready after retry", retried.Status)
	}
	if retried.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", retried.ErrorMessage)
	}
}

func TestDecomposeIsAtomic(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	parent := mustSubmit(t, q, task.New("parent", "", "planner"))
	if _, err := q.MarkRunning(ctx, parent.ID, ""); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	c1 := task.New("child1", "", "coder")
	c1.IdempotencyKey = "decomp:" + parent.ID.String() + ":step1:0"
	c2 := task.New("child2", "", "coder")
	c2.IdempotencyKey = "decomp:" + parent.ID.String() + ":step1:1"

	result, err := q.Decompose(ctx, parent.ID, []*task.Task{c1, c2})
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("Created = %d children, want 2", len(result.Created))
	}

	reloaded, err := q.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get(parent) error = %v", err)
	}
	if reloaded.Status != task.StatusAwaitingChildren {
		t.Fatalf("parent.Status = %s, want AwaitingChildren", reloaded.Status)
	}
	if len(reloaded.AwaitingChildren) != 2 {
		t.Fatalf("len(AwaitingChildren) = %d, want 2", len(reloaded.AwaitingChildren))
	}

	// Replaying the same decomposition call must fold into the existing
	// children rather than duplicating them.
	c1Replay := task.New("child1-replayed-summary", "", "coder")
	c1Replay.IdempotencyKey = c1.IdempotencyKey
	c2Replay := task.New("child2-replayed-summary", "", "coder")
	c2Replay.IdempotencyKey = c2.IdempotencyKey

	replay, err := q.Decompose(ctx, parent.ID, []*task.Task{c1Replay, c2Replay})
	if err != nil {
		t.Fatalf("Decompose() replay error = %v", err)
	}
	if len(replay.AlreadyExisted) != 2 {
		t.Fatalf("AlreadyExisted = %d, want 2 on replay", len(replay.AlreadyExisted))
	}
	if len(replay.Created) != 0 {
		t.Fatalf("Created = %d on replay, want 0", len(replay.Created))
	}

	children, err := q.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2 (no duplicates from replay)", len(children))
	}
}

func TestSubmitWithCompletedDepIsReady(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a := mustSubmit(t, q, task.New("a", "", "coder"))
	if _, err := q.MarkRunning(ctx, a.ID, ""); err != nil {
		t.Fatalf("MarkRunning(a) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, a.ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome(a) error = %v", err)
	}

	b := task.New("b", "", "coder")
	b.Dependencies = []uuid.UUID{a.ID}
	created := mustSubmit(t, q, b)
	if created.Status != task.StatusReady {
		t.Errorf("Status = %s, want Ready: only dependency already completed", created.Status)
	}
}

func decomposeChildren(t *testing.T, q *Queue, parent *task.Task, n int) []*task.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := q.MarkRunning(ctx, parent.ID, ""); err != nil {
		t.Fatalf("MarkRunning(parent) error = %v", err)
	}
	children := make([]*task.Task, n)
	for i := range children {
		c := task.New("child", "", "coder")
		c.MaxRetries = 0
		c.IdempotencyKey = fmt.Sprintf("decomp:%s:step1:%d", parent.ID, i)
		children[i] = c
	}
	if _, err := q.Decompose(ctx, parent.ID, children); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	return children
}

func TestAwaitingChildrenJoinParallelToleratesFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	pt := task.New("parent", "", "planner")
	pt.DependencyType = task.DependencyParallel
	parent := mustSubmit(t, q, pt)
	children := decomposeChildren(t, q, parent, 2)

	if _, err := q.MarkRunning(ctx, children[0].ID, ""); err != nil {
		t.Fatalf("MarkRunning(c0) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, children[0].ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome(c0) error = %v", err)
	}

	mid, err := q.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get(parent) error = %v", err)
	}
	if mid.Status != task.StatusAwaitingChildren {
		t.Fatalf("parent.Status = %s, want still AwaitingChildren with one child in flight", mid.Status)
	}

	if _, err := q.MarkRunning(ctx, children[1].ID, ""); err != nil {
		t.Fatalf("MarkRunning(c1) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, children[1].ID, Outcome{Success: false, ErrorMsg: "boom"}); err != nil {
		t.Fatalf("ReportOutcome(c1) error = %v", err)
	}

	joined, err := q.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get(parent) error = %v", err)
	}
	if joined.Status != task.StatusReady {
		t.Errorf("parent.Status = %s, want Ready: parallel join accepts failed children", joined.Status)
	}
	if len(joined.AwaitingChildren) != 0 {
		t.Errorf("AwaitingChildren = %v, want cleared after join", joined.AwaitingChildren)
	}
}

func TestAwaitingChildrenJoinSequentialFailsOnChildFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	parent := mustSubmit(t, q, task.New("parent", "", "planner"))
	children := decomposeChildren(t, q, parent, 2)

	if _, err := q.MarkRunning(ctx, children[0].ID, ""); err != nil {
		t.Fatalf("MarkRunning(c0) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, children[0].ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome(c0) error = %v", err)
	}
	if _, err := q.MarkRunning(ctx, children[1].ID, ""); err != nil {
		t.Fatalf("MarkRunning(c1) error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, children[1].ID, Outcome{Success: false, ErrorMsg: "boom"}); err != nil {
		t.Fatalf("ReportOutcome(c1) error = %v", err)
	}

	joined, err := q.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get(parent) error = %v", err)
	}
	if joined.Status != task.StatusFailed {
		t.Errorf("parent.Status = %s, want Failed: sequential join requires every child completed", joined.Status)
	}
}

func TestUpdateDependenciesCycleRejected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	x := mustSubmit(t, q, task.New("x", "", "coder"))
	yTask := task.New("y", "", "coder")
	yTask.Dependencies = []uuid.UUID{x.ID}
	y := mustSubmit(t, q, yTask)

	_, err := q.UpdateDependencies(ctx, x.ID, []uuid.UUID{y.ID})
	if queueerr.Of(err) != queueerr.KindCycleDetected {
		t.Fatalf("UpdateDependencies() kind = %s, want CycleDetected", queueerr.Of(err))
	}

	reloaded, err := q.Get(ctx, x.ID)
	if err != nil {
		t.Fatalf("Get(x) error = %v", err)
	}
	if len(reloaded.Dependencies) != 0 {
		t.Errorf("x.Dependencies = %v, want unchanged (empty)", reloaded.Dependencies)
	}
	if reloaded.Version != x.Version {
		t.Errorf("x.Version = %d, want unchanged %d after rejected update", reloaded.Version, x.Version)
	}
}

func TestUpdateDependenciesRecomputesDepthAndStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a := mustSubmit(t, q, task.New("a", "", "coder"))
	b := mustSubmit(t, q, task.New("b", "", "coder"))

	updated, err := q.UpdateDependencies(ctx, b.ID, []uuid.UUID{a.ID})
	if err != nil {
		t.Fatalf("UpdateDependencies() error = %v", err)
	}
	if updated.Status != task.StatusBlocked {
		t.Errorf("Status = %s, want Blocked with an open dependency", updated.Status)
	}
	if updated.DependencyDepth != 1 {
		t.Errorf("DependencyDepth = %d, want 1", updated.DependencyDepth)
	}
}

func TestOptimisticLockConflictSurfacesAfterRetries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a := mustSubmit(t, q, task.New("a", "", "coder"))
	if _, err := q.MarkRunning(ctx, a.ID, ""); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if _, err := q.ReportOutcome(ctx, a.ID, Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome() error = %v", err)
	}

	// A terminal task can no longer transition back to Running.
	if _, err := q.MarkRunning(ctx, a.ID, ""); queueerr.Of(err) != queueerr.KindInvalidTransition {
		t.Errorf("MarkRunning() on a Completed task: kind = %s, want InvalidTransition", queueerr.Of(err))
	}
}
