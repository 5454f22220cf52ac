// Package scheduler fires tasks from schedule templates: cron expressions
// via robfig/cron, and Once/Interval timers via the standard library.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/schedule"
	"github.com/taskforge/queue/pkg/task"
)

// Scheduler fires tasks from enabled schedules on their configured timers.
type Scheduler struct {
	store *store.ScheduleStore
	queue *queue.Queue
	cron  *cron.Cron
	log   *slog.Logger

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	tickers map[uuid.UUID]*time.Ticker
	cronIDs map[uuid.UUID]cron.EntryID
}

// New constructs a Scheduler. Call Start to begin firing enabled schedules.
func New(s *store.ScheduleStore, q *queue.Queue, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		queue:   q,
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		log:     log,
		timers:  make(map[uuid.UUID]*time.Timer),
		tickers: make(map[uuid.UUID]*time.Ticker),
		cronIDs: make(map[uuid.UUID]cron.EntryID),
	}
}

// Start loads every enabled schedule and arms its timer, then starts the
// cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled schedules: %w", err)
	}
	for _, sc := range schedules {
		if err := s.arm(ctx, sc); err != nil {
			s.log.Error("failed to arm schedule", "schedule_id", sc.ID, "error", err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", "schedule_count", len(schedules))
	return nil
}

// Stop halts the cron loop and every armed timer/ticker, waiting for
// in-flight cron jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	for _, t := range s.tickers {
		t.Stop()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Add arms a new or newly enabled schedule without restarting the others.
func (s *Scheduler) Add(ctx context.Context, sc *schedule.Schedule) error {
	return s.arm(ctx, sc)
}

// Remove disarms a schedule's timer/cron entry, e.g. after deletion.
func (s *Scheduler) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if t, ok := s.tickers[id]; ok {
		t.Stop()
		delete(s.tickers, id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
}

func (s *Scheduler) arm(ctx context.Context, sc *schedule.Schedule) error {
	switch sc.Kind {
	case schedule.KindCron:
		return s.armCron(sc)
	case schedule.KindInterval:
		return s.armInterval(ctx, sc)
	case schedule.KindOnce:
		return s.armOnce(ctx, sc)
	default:
		return queueerr.New(queueerr.KindValidation, "unknown schedule kind %q", sc.Kind)
	}
}

func (s *Scheduler) armCron(sc *schedule.Schedule) error {
	entryID, err := s.cron.AddFunc(sc.CronExpr, func() {
		s.fire(context.Background(), sc.ID)
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", sc.CronExpr, err)
	}
	s.mu.Lock()
	s.cronIDs[sc.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) armInterval(ctx context.Context, sc *schedule.Schedule) error {
	ticker := time.NewTicker(sc.Interval)
	s.mu.Lock()
	s.tickers[sc.ID] = ticker
	s.mu.Unlock()
	go func() {
		for range ticker.C {
			s.fire(ctx, sc.ID)
		}
	}()
	return nil
}

func (s *Scheduler) armOnce(ctx context.Context, sc *schedule.Schedule) error {
	if sc.RunAt == nil {
		return queueerr.New(queueerr.KindValidation, "once schedule %s missing run_at", sc.ID)
	}
	delay := time.Until(*sc.RunAt)
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		s.fire(ctx, sc.ID)
		s.Remove(sc.ID)
	})
	s.mu.Lock()
	s.timers[sc.ID] = timer
	s.mu.Unlock()
	return nil
}

// fire reloads the schedule, checks its overlap policy against the
// previous fire's task, submits the new task with a deterministic
// idempotency key, and records the fire under CAS.
//
// Submit and RecordFire are two separate writes, so firing is
// at-least-once: a crash between them leaves fire_count behind, and the
// next fire recomputes the same sched:{id}:{fire_count+1} key. Submit
// dedupes on that key and returns the task the interrupted fire already
// emitted, so no duplicate task is ever created; only the bookkeeping
// catches up.
func (s *Scheduler) fire(ctx context.Context, id uuid.UUID) {
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error("fire: load schedule failed", "schedule_id", id, "error", err)
		return
	}
	if !sc.Enabled {
		return
	}

	if sc.Overlap != schedule.OverlapAllow && sc.LastTaskID != nil {
		prev, err := s.queue.Get(ctx, *sc.LastTaskID)
		if err == nil && !prev.Status.Terminal() {
			switch sc.Overlap {
			case schedule.OverlapSkip:
				s.log.Info("skipping fire, previous run still open", "schedule_id", id)
				return
			case schedule.OverlapCancelPrevious:
				if err := s.queue.Cancel(ctx, prev.ID); err != nil {
					s.log.Error("cancel previous run failed", "schedule_id", id, "error", err)
					return
				}
			}
		}
	}

	t := task.New(sc.TaskSummary, sc.TaskDescription, sc.AgentType)
	t.InputData = sc.InputData
	t.IdempotencyKey = sc.IdempotencyKey()
	if sc.TaskPriority > 0 {
		t.BasePriority = sc.TaskPriority
	}
	t.Source = task.SourceSystem

	submitted, err := s.queue.Submit(ctx, t)
	if err != nil {
		s.log.Error("fire: submit task failed", "schedule_id", id, "error", err)
		return
	}
	if submitted.ID != t.ID {
		s.log.Warn("fire key resolved to an already-emitted task, recording the interrupted fire",
			"schedule_id", id, "task_id", submitted.ID)
	}

	now := time.Now()
	if err := s.store.RecordFire(ctx, sc.ID, sc.Version, now, submitted.ID); err != nil {
		s.log.Error("fire: record fire failed", "schedule_id", id, "error", err)
	}
}
