package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/queue/internal/chain"
	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/substrate"
	"github.com/taskforge/queue/pkg/task"
)

// stubSubstrate is an in-memory Substrate that counts executions and can
// hold them open until released, for exercising the concurrency cap.
type stubSubstrate struct {
	mu      sync.Mutex
	started int
	release chan struct{}
	resp    substrate.Response
}

func (s *stubSubstrate) Execute(ctx context.Context, req substrate.Request) (substrate.Response, error) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return substrate.Response{}, &substrate.Error{TaskID: req.TaskID, Err: ctx.Err()}
		}
	}
	return s.resp, nil
}

func (s *stubSubstrate) HealthCheck(context.Context) substrate.Health { return substrate.HealthHealthy }

func (s *stubSubstrate) CanHandle(string) bool { return true }

func (s *stubSubstrate) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func newTestDispatcher(t *testing.T, sub substrate.Substrate, concurrency int) (*Dispatcher, *queue.Queue) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "dispatcher.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q := queue.New(s)

	cfg := Config{
		ConcurrencyCap: concurrency,
		TickInterval:   time.Hour, // ticks are driven manually in tests
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(q, nil, []substrate.Substrate{sub}, chain.New(q), cfg, log), q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecoverOrphansResetsRunningTasks(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubstrate{resp: substrate.Response{Outcome: substrate.OutcomeCompleted}}
	d, q := newTestDispatcher(t, sub, 2)

	tk, err := q.Submit(ctx, task.New("orphan", "", "coder"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := q.MarkRunning(ctx, tk.ID, ""); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	if err := d.recoverOrphans(ctx); err != nil {
		t.Fatalf("recoverOrphans() error = %v", err)
	}

	recovered, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if recovered.Status != task.StatusReady {
		t.Errorf("Status = %s, want Ready after orphan recovery", recovered.Status)
	}
	if recovered.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 after orphan recovery", recovered.RetryCount)
	}
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubstrate{
		release: make(chan struct{}),
		resp:    substrate.Response{Outcome: substrate.OutcomeCompleted},
	}
	d, q := newTestDispatcher(t, sub, 2)

	for i := 0; i < 4; i++ {
		if _, err := q.Submit(ctx, task.New("work", "", "coder")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	d.tick(ctx)
	waitFor(t, "two executions in flight", func() bool { return sub.startedCount() == 2 })

	running := task.StatusRunning
	inFlight, err := q.List(ctx, &store.TaskFilter{Status: &running})
	if err != nil {
		t.Fatalf("List(running) error = %v", err)
	}
	if len(inFlight) != 2 {
		t.Errorf("running tasks = %d, want 2 (cap)", len(inFlight))
	}

	// A tick with every slot occupied must not admit more work.
	d.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if n := sub.startedCount(); n != 2 {
		t.Errorf("executions after saturated tick = %d, want still 2", n)
	}

	close(sub.release)
	d.wg.Wait()

	d.tick(ctx)
	waitFor(t, "remaining executions", func() bool { return sub.startedCount() == 4 })
	d.wg.Wait()

	completed := task.StatusCompleted
	done, err := q.List(ctx, &store.TaskFilter{Status: &completed})
	if err != nil {
		t.Fatalf("List(completed) error = %v", err)
	}
	if len(done) != 4 {
		t.Errorf("completed tasks = %d, want all 4", len(done))
	}
}

func TestExecuteFailsTaskWithoutSubstrate(t *testing.T) {
	ctx := context.Background()
	sub := &stubSubstrate{resp: substrate.Response{Outcome: substrate.OutcomeCompleted}}
	d, q := newTestDispatcher(t, sub, 1)
	d.substrates = nil

	tk, err := q.Submit(ctx, func() *task.Task {
		t := task.New("unroutable", "", "nonexistent-agent")
		t.MaxRetries = 0
		return t
	}())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d.tick(ctx)
	d.wg.Wait()

	failed, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if failed.Status != task.StatusFailed {
		t.Errorf("Status = %s, want Failed with no registered substrate", failed.Status)
	}
}

func TestChainFeatureName(t *testing.T) {
	tk := task.New("step", "", "coder")
	if got := chainFeatureName(tk); got != "" {
		t.Errorf("chainFeatureName(no input) = %q, want empty", got)
	}

	tk.InputData = json.RawMessage(`{"feature_name": "login-flow", "previous_output": "..."}`)
	if got := chainFeatureName(tk); got != "login-flow" {
		t.Errorf("chainFeatureName() = %q, want login-flow", got)
	}

	tk.InputData = json.RawMessage(`not json`)
	if got := chainFeatureName(tk); got != "" {
		t.Errorf("chainFeatureName(malformed) = %q, want empty", got)
	}
}
