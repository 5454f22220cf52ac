package chain

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/task"
)

func newTestHandler(t *testing.T) (*Handler, *queue.Queue) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chain.db")
	s, err := store.New(dsn)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q := queue.New(s)
	return New(q), q
}

func runningTask(t *testing.T, ctx context.Context, q *queue.Queue, summary string) *task.Task {
	t.Helper()
	tk := task.New(summary, "", "coder")
	submitted, err := q.Submit(ctx, tk)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	running, err := q.MarkRunning(ctx, submitted.ID, "")
	if err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	return running
}

func TestAdvanceFinalCompletesTask(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	current := runningTask(t, ctx, q, "step one")
	payload := []byte(`{"step_result": {"ok": true}, "final": true}`)

	if err := h.Advance(ctx, current, payload); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, err := q.Get(ctx, current.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want Completed", got.Status)
	}
}

func TestAdvanceNonFinalSubmitsNextStep(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	current := runningTask(t, ctx, q, "step one")
	payload := []byte(`{
		"step_result": {"partial": true},
		"final": false,
		"next_summary": "step two",
		"next_agent_type": "coder",
		"next_input": {"foo": "bar"}
	}`)

	if err := h.Advance(ctx, current, payload); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	completed, err := q.Get(ctx, current.ID)
	if err != nil {
		t.Fatalf("Get(current) error = %v", err)
	}
	if completed.Status != task.StatusCompleted {
		t.Errorf("current.Status = %s, want Completed", completed.Status)
	}

	children, err := q.ListChildren(ctx, current.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("len(children) = %d, want 1", len(children))
	}
	if children[0].Summary != "step two" {
		t.Errorf("child.Summary = %q, want %q", children[0].Summary, "step two")
	}
	if children[0].Status != task.StatusReady {
		t.Errorf("child.Status = %s, want Ready (no unmet dependencies)", children[0].Status)
	}
}

func TestAdvanceStripsCodeFence(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	current := runningTask(t, ctx, q, "step one")
	fenced := "```json\n{\"step_result\": {}, \"final\": true}\n```"

	if err := h.Advance(ctx, current, json.RawMessage(fenced)); err != nil {
		t.Fatalf("Advance() with fenced payload error = %v", err)
	}

	got, err := q.Get(ctx, current.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want Completed", got.Status)
	}
}

func TestAdvanceInvalidJSONErrors(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	current := runningTask(t, ctx, q, "step one")
	if err := h.Advance(ctx, current, json.RawMessage("not json")); err == nil {
		t.Fatal("Advance() with malformed payload: want error, got nil")
	}
}

func TestDecomposeCreatesParallelChildren(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	parent := runningTask(t, ctx, q, "planner task")
	payload := []byte(`{
		"dependency_type": "parallel",
		"children": [
			{"summary": "child a", "agent_type": "coder"},
			{"summary": "child b", "agent_type": "coder"}
		]
	}`)

	if err := h.Decompose(ctx, parent, payload); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	reloaded, err := q.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get(parent) error = %v", err)
	}
	if reloaded.Status != task.StatusAwaitingChildren {
		t.Fatalf("parent.Status = %s, want AwaitingChildren", reloaded.Status)
	}

	children, err := q.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.DependencyType != task.DependencyParallel {
			t.Errorf("child %s DependencyType = %s, want parallel", c.Summary, c.DependencyType)
		}
		if c.BasePriority != parent.BasePriority {
			t.Errorf("child %s BasePriority = %d, want parent's %d", c.Summary, c.BasePriority, parent.BasePriority)
		}
	}
}

func TestAdvanceInheritsWorktreePath(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	tk := task.New("step one", "", "coder")
	submitted, err := q.Submit(ctx, tk)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	current, err := q.MarkRunning(ctx, submitted.ID, "/wt/login")
	if err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	payload := []byte(`{
		"step_result": {},
		"final": false,
		"next_summary": "step two",
		"next_agent_type": "coder"
	}`)
	if err := h.Advance(ctx, current, payload); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	children, err := q.ListChildren(ctx, current.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("len(children) = %d, want 1", len(children))
	}
	if children[0].WorktreePath != "/wt/login" {
		t.Errorf("next step WorktreePath = %q, want inherited %q", children[0].WorktreePath, "/wt/login")
	}
}

func TestDecomposeInheritsWorktreePath(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	tk := task.New("planner task", "", "planner")
	submitted, err := q.Submit(ctx, tk)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	parent, err := q.MarkRunning(ctx, submitted.ID, "/wt/feature")
	if err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	payload := []byte(`{
		"children": [
			{"summary": "child a", "agent_type": "coder"},
			{"summary": "child b", "agent_type": "coder"}
		]
	}`)
	if err := h.Decompose(ctx, parent, payload); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	children, err := q.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.WorktreePath != "/wt/feature" {
			t.Errorf("child %s WorktreePath = %q, want inherited %q", c.Summary, c.WorktreePath, "/wt/feature")
		}
	}
}

func TestDecomposeReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, q := newTestHandler(t)

	parent := runningTask(t, ctx, q, "planner task")
	payload := []byte(`{
		"children": [
			{"summary": "child a", "agent_type": "coder"}
		]
	}`)

	if err := h.Decompose(ctx, parent, payload); err != nil {
		t.Fatalf("Decompose() first call error = %v", err)
	}
	if err := h.Decompose(ctx, parent, payload); err != nil {
		t.Fatalf("Decompose() replay error = %v", err)
	}

	children, err := q.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("len(children) = %d after replay, want 1 (no duplicates)", len(children))
	}
}
