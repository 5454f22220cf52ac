package ui

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/pkg/schedule"
	"github.com/taskforge/queue/pkg/task"
	"github.com/taskforge/queue/pkg/worktree"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func TestNewPrinter(t *testing.T) {
	p := New(true, true)
	if !p.useColor || !p.useIcons {
		t.Errorf("New(true, true) = %+v, want both flags set", p)
	}

	p2 := New(false, false)
	if p2.useColor || p2.useIcons {
		t.Errorf("New(false, false) = %+v, want both flags clear", p2)
	}
}

func TestPrintTasksEmpty(t *testing.T) {
	p := New(false, false)
	out := captureStdout(t, func() { p.PrintTasks(nil, false) })
	if !strings.Contains(out, "No tasks found") {
		t.Errorf("expected empty-state message, got %q", out)
	}
}

func TestPrintTasks(t *testing.T) {
	tk := task.New("fix the flaky build", "", "coder")
	tk.Status = task.StatusRunning
	tasks := []task.Task{*tk}

	p := New(false, false)
	out := captureStdout(t, func() { p.PrintTasks(tasks, false) })

	if !strings.Contains(out, "fix the flaky build") {
		t.Errorf("expected summary in output, got %q", out)
	}
	if !strings.Contains(out, string(task.StatusRunning)) {
		t.Errorf("expected status in output, got %q", out)
	}
}

func TestPrintTasksVerbose(t *testing.T) {
	tk := task.New("fix the flaky build", "details here", "coder")
	tk.CalculatedPriority = 5
	tasks := []task.Task{*tk}

	p := New(false, false)
	out := captureStdout(t, func() { p.PrintTasks(tasks, true) })

	if !strings.Contains(out, "AGENT") || !strings.Contains(out, "PRIORITY") {
		t.Errorf("expected verbose headers, got %q", out)
	}
}

func TestPrintTasksJSON(t *testing.T) {
	tk := task.New("ship the feature", "", "coder")
	p := New(false, false)

	out := captureStdout(t, func() {
		if err := p.PrintTasksJSON([]task.Task{*tk}); err != nil {
			t.Fatalf("PrintTasksJSON: %v", err)
		}
	})

	if !strings.Contains(out, "ship the feature") {
		t.Errorf("expected JSON output to contain summary, got %q", out)
	}
}

func TestPrintTask(t *testing.T) {
	tk := task.New("investigate outage", "", "coder")
	p := New(false, false)
	out := captureStdout(t, func() { p.PrintTask(tk) })

	if !strings.Contains(out, "investigate outage") || !strings.Contains(out, tk.ID.String()) {
		t.Errorf("expected task detail output, got %q", out)
	}
}

func TestPrintSchedules(t *testing.T) {
	p := New(false, false)

	out := captureStdout(t, func() { p.PrintSchedules(nil) })
	if !strings.Contains(out, "No schedules found") {
		t.Errorf("expected empty-state message, got %q", out)
	}

	sc := schedule.Schedule{
		ID:      uuid.New(),
		Name:    "nightly-sweep",
		Kind:    schedule.KindCron,
		Enabled: true,
	}
	out = captureStdout(t, func() { p.PrintSchedules([]schedule.Schedule{sc}) })
	if !strings.Contains(out, "nightly-sweep") {
		t.Errorf("expected schedule name in output, got %q", out)
	}
}

func TestPrintWorktrees(t *testing.T) {
	p := New(false, false)

	out := captureStdout(t, func() { p.PrintWorktrees(nil) })
	if !strings.Contains(out, "No worktrees found") {
		t.Errorf("expected empty-state message, got %q", out)
	}

	wt := worktree.Worktree{
		TaskID: uuid.New(),
		Path:   "/path/to/worktree",
		Branch: "task/abc123",
		Status: worktree.StatusActive,
	}
	out = captureStdout(t, func() { p.PrintWorktrees([]worktree.Worktree{wt}) })
	if !strings.Contains(out, "task/abc123") || !strings.Contains(out, "/path/to/worktree") {
		t.Errorf("expected worktree fields in output, got %q", out)
	}
}

func TestPrintConfig(t *testing.T) {
	p := New(false, false)
	settings := map[string]any{
		"limits": map[string]any{"concurrency_cap": 4},
	}
	out := captureStdout(t, func() { p.PrintConfig(settings) })
	if !strings.Contains(out, "limits.concurrency_cap = 4") {
		t.Errorf("expected flattened config key, got %q", out)
	}
}

func TestFormatTime(t *testing.T) {
	p := New(false, false)
	if got := p.formatTime(time.Time{}); got != "unknown" {
		t.Errorf("formatTime(zero) = %q, want unknown", got)
	}
	recent := time.Now().Add(-5 * time.Minute)
	if got := p.formatTime(recent); !strings.Contains(got, "minutes ago") {
		t.Errorf("formatTime(recent) = %q, want minutes ago", got)
	}
}

func TestTruncateMessage(t *testing.T) {
	p := New(false, false)
	if got := p.truncateMessage("short", 10); got != "short" {
		t.Errorf("truncateMessage(short) = %q, want unchanged", got)
	}
	long := strings.Repeat("x", 20)
	if got := p.truncateMessage(long, 10); len(got) != 10 {
		t.Errorf("truncateMessage(long, 10) length = %d, want 10", len(got))
	}
}
