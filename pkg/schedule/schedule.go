// Package schedule defines recurring and one-shot task templates fired by
// internal/scheduler.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects how a schedule's fire times are computed.
type Kind string

const (
	// KindOnce fires exactly once at RunAt.
	KindOnce Kind = "once"
	// KindInterval fires every Interval, counted from when the scheduler
	// arms the schedule (at Start or Add).
	KindInterval Kind = "interval"
	// KindCron fires according to a standard 5-field cron expression.
	KindCron Kind = "cron"
)

// OverlapPolicy controls what happens when a schedule fires while the
// previous run it spawned has not reached a terminal state.
type OverlapPolicy string

const (
	// OverlapSkip drops the new fire if the previous task is still open.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapAllow submits the new task regardless of the previous one.
	OverlapAllow OverlapPolicy = "allow"
	// OverlapCancelPrevious cancels the still-open previous task before
	// submitting the new one.
	OverlapCancelPrevious OverlapPolicy = "cancel_previous"
)

// Schedule is a template that produces tasks on a timer.
type Schedule struct {
	ID              uuid.UUID
	Name            string
	Kind            Kind
	CronExpr        string
	Interval        time.Duration
	RunAt           *time.Time
	Overlap         OverlapPolicy
	Enabled         bool
	TaskSummary     string
	TaskDescription string
	AgentType       string
	TaskPriority    int
	InputData       json.RawMessage
	FireCount       int64
	LastFiredAt     *time.Time
	LastTaskID      *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// Validate checks the fields required for the selected Kind are present.
func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.RunAt == nil {
			return fmt.Errorf("schedule: kind once requires run_at")
		}
	case KindInterval:
		if s.Interval <= 0 {
			return fmt.Errorf("schedule: kind interval requires a positive interval")
		}
	case KindCron:
		if s.CronExpr == "" {
			return fmt.Errorf("schedule: kind cron requires a cron expression")
		}
	default:
		return fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
	switch s.Overlap {
	case OverlapSkip, OverlapAllow, OverlapCancelPrevious:
	default:
		return fmt.Errorf("schedule: unknown overlap policy %q", s.Overlap)
	}
	return nil
}

// IdempotencyKey returns the idempotency key the scheduler must attach to
// the task produced by the (n+1)th fire, where n is the current FireCount.
func (s *Schedule) IdempotencyKey() string {
	return fmt.Sprintf("sched:%s:%d", s.ID, s.FireCount+1)
}
