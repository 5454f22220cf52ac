package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/schedule"
	"github.com/taskforge/queue/pkg/task"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *queue.Queue) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := store.New(dsn)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q := queue.New(s)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s.Schedules(), q, log), s, q
}

func baseSchedule(kind schedule.Kind, overlap schedule.OverlapPolicy) *schedule.Schedule {
	now := time.Now()
	return &schedule.Schedule{
		ID:           uuid.New(),
		Name:         "nightly build",
		Kind:         kind,
		Overlap:      overlap,
		Enabled:      true,
		TaskSummary:  "run nightly build",
		AgentType:    "coder",
		TaskPriority: 7,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestFireSubmitsTaskWithSchedulePriority(t *testing.T) {
	ctx := context.Background()
	sched, s, q := newTestScheduler(t)

	sc := baseSchedule(schedule.KindOnce, schedule.OverlapAllow)
	runAt := time.Now()
	sc.RunAt = &runAt
	if err := s.Schedules().Create(ctx, sc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched.fire(ctx, sc.ID)

	tasks, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].BasePriority != 7 {
		t.Errorf("BasePriority = %d, want schedule's TaskPriority 7", tasks[0].BasePriority)
	}
	if tasks[0].Source != task.SourceSystem {
		t.Errorf("Source = %s, want system", tasks[0].Source)
	}

	reloaded, err := s.Schedules().Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get(schedule) error = %v", err)
	}
	if reloaded.FireCount != 1 {
		t.Errorf("FireCount = %d, want 1", reloaded.FireCount)
	}
	if reloaded.LastTaskID == nil || *reloaded.LastTaskID != tasks[0].ID {
		t.Errorf("LastTaskID not recorded correctly")
	}
}

func TestFireSkipPolicySuppressesWhilePreviousOpen(t *testing.T) {
	ctx := context.Background()
	sched, s, q := newTestScheduler(t)

	sc := baseSchedule(schedule.KindInterval, schedule.OverlapSkip)
	sc.Interval = time.Minute
	if err := s.Schedules().Create(ctx, sc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched.fire(ctx, sc.ID)
	sched.fire(ctx, sc.ID) // previous task is still Ready (never claimed), should be skipped

	tasks, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d after two fires with skip overlap, want 1", len(tasks))
	}
}

func TestFireCancelPreviousPolicyCancelsOpenRun(t *testing.T) {
	ctx := context.Background()
	sched, s, q := newTestScheduler(t)

	sc := baseSchedule(schedule.KindInterval, schedule.OverlapCancelPrevious)
	sc.Interval = time.Minute
	if err := s.Schedules().Create(ctx, sc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched.fire(ctx, sc.ID)
	sched.fire(ctx, sc.ID)

	tasks, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2 (both fires submit a task)", len(tasks))
	}

	var cancelledCount, readyCount int
	for _, tk := range tasks {
		switch tk.Status {
		case task.StatusCancelled:
			cancelledCount++
		case task.StatusReady:
			readyCount++
		}
	}
	if cancelledCount != 1 || readyCount != 1 {
		t.Errorf("got %d cancelled, %d ready; want 1 of each (first cancelled by the second fire)", cancelledCount, readyCount)
	}
}

func TestFireReplayAfterCrashDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	sched, s, q := newTestScheduler(t)

	sc := baseSchedule(schedule.KindInterval, schedule.OverlapAllow)
	sc.Interval = time.Minute
	if err := s.Schedules().Create(ctx, sc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched.fire(ctx, sc.ID)

	// Simulate a crash between the submit and RecordFire of that first
	// fire: roll the schedule row back as if the bookkeeping never landed.
	if _, err := s.DB().Exec(`UPDATE schedules SET fire_count = 0, last_task_id = NULL, version = 0 WHERE id = ?`, sc.ID.String()); err != nil {
		t.Fatalf("rewind schedule row: %v", err)
	}

	sched.fire(ctx, sc.ID)

	tasks, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d after replayed fire, want 1 (idempotency key dedup)", len(tasks))
	}

	reloaded, err := s.Schedules().Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get(schedule) error = %v", err)
	}
	if reloaded.FireCount != 1 {
		t.Errorf("FireCount = %d, want 1 after bookkeeping caught up", reloaded.FireCount)
	}
	if reloaded.LastTaskID == nil || *reloaded.LastTaskID != tasks[0].ID {
		t.Errorf("LastTaskID not re-recorded on replay")
	}
}

func TestFireOnDisabledScheduleIsNoop(t *testing.T) {
	ctx := context.Background()
	sched, s, q := newTestScheduler(t)

	sc := baseSchedule(schedule.KindInterval, schedule.OverlapAllow)
	sc.Interval = time.Minute
	sc.Enabled = false
	if err := s.Schedules().Create(ctx, sc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched.fire(ctx, sc.ID)

	tasks, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("len(tasks) = %d, want 0 for a disabled schedule", len(tasks))
	}
}
