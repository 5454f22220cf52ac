// Package task defines the Task domain type: the unit of work scheduled and
// executed by the queue. A task is mutated only through the queue service's
// versioned operations (see internal/queue); this package holds the data
// shape and the invariants that every mutation must preserve.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is one of the enumerated task lifecycle states.
type Status string

const (
	StatusPending          Status = "pending"
	StatusBlocked          Status = "blocked"
	StatusReady            Status = "ready"
	StatusRunning          Status = "running"
	StatusAwaitingChildren Status = "awaiting_children"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the enumerated states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusReady, StatusRunning,
		StatusAwaitingChildren, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DependencyType controls how a task's dependencies gate readiness.
type DependencyType string

const (
	// DependencySequential requires every dependency to reach StatusCompleted.
	DependencySequential DependencyType = "sequential"
	// DependencyParallel requires every dependency to reach any terminal state.
	DependencyParallel DependencyType = "parallel"
)

// Source identifies who originated a task.
type Source string

const (
	SourceHuman        Source = "human"
	SourceAgentPlanner Source = "agent_planner"
	SourceSystem       Source = "system"
)

// MaxSummaryLength is the ceiling on Task.Summary, enforced here and by the
// storage schema.
const MaxSummaryLength = 140

// Task is the unit of work executed by an agent.
type Task struct {
	ID                         uuid.UUID
	Summary                    string
	Description                string
	AgentType                  string
	Status                     Status
	BasePriority               int
	CalculatedPriority         float64
	Dependencies               []uuid.UUID
	DependencyType             DependencyType
	DependencyDepth            int
	ParentTaskID               *uuid.UUID
	AwaitingChildren           []uuid.UUID
	InputData                  json.RawMessage
	ResultData                 json.RawMessage
	ErrorMessage               string
	RetryCount                 int
	MaxRetries                 int
	MaxExecutionTimeoutSeconds int
	IdempotencyKey             string
	Source                     Source
	FeatureBranch              string
	TaskBranch                 string
	WorktreePath               string
	SubmittedAt                time.Time
	StartedAt                  *time.Time
	CompletedAt                *time.Time
	LastUpdatedAt              time.Time
	Deadline                   *time.Time
	Version                    int64
}

// Validate checks the task-local invariants that are checkable without
// consulting sibling tasks (summary length, priority range, dependency
// uniqueness). Graph-wide invariants (depth, cycles) are the dependency
// resolver's responsibility.
func (t *Task) Validate() error {
	if len(t.Summary) > MaxSummaryLength {
		return fmt.Errorf("task: summary length %d exceeds max %d", len(t.Summary), MaxSummaryLength)
	}
	if t.BasePriority < 0 || t.BasePriority > 10 {
		return fmt.Errorf("task: base_priority %d out of range [0,10]", t.BasePriority)
	}
	seen := make(map[uuid.UUID]struct{}, len(t.Dependencies))
	for _, d := range t.Dependencies {
		if _, dup := seen[d]; dup {
			return fmt.Errorf("task: duplicate dependency id %s", d)
		}
		seen[d] = struct{}{}
	}
	if t.Status == StatusAwaitingChildren && len(t.AwaitingChildren) == 0 {
		return fmt.Errorf("task: status AwaitingChildren requires non-empty awaiting_children")
	}
	if t.Status != StatusAwaitingChildren && len(t.AwaitingChildren) != 0 {
		return fmt.Errorf("task: awaiting_children must be empty outside AwaitingChildren status")
	}
	if t.Status.Terminal() && t.CompletedAt == nil {
		return fmt.Errorf("task: terminal status %s requires completed_at", t.Status)
	}
	return nil
}

// New constructs a task with defaults filled in (depth 0, version 0,
// sequential dependency policy). Callers set Summary/Description/AgentType
// and any dependencies before submission.
func New(summary, description, agentType string) *Task {
	now := time.Now()
	return &Task{
		ID:             uuid.New(),
		Summary:        summary,
		Description:    description,
		AgentType:      agentType,
		Status:         StatusPending,
		BasePriority:   5,
		DependencyType: DependencySequential,
		MaxRetries:     3,
		Source:         SourceHuman,
		SubmittedAt:    now,
		LastUpdatedAt:  now,
		Version:        0,
	}
}

// Patch describes a partial update to a task, applied by the queue service
// under CAS. Nil/zero fields mean "leave unchanged"; callers that need to
// clear a string field use a non-nil pointer to "".
type Patch struct {
	Status             *Status
	CalculatedPriority *float64
	DependencyDepth    *int
	ResultData         json.RawMessage
	ErrorMessage       *string
	RetryCount         *int
	AwaitingChildren   []uuid.UUID
	FeatureBranch      *string
	TaskBranch         *string
	WorktreePath       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	// ClearTimestamps resets StartedAt and CompletedAt to unset, for
	// transitions that return a task to a runnable state.
	ClearTimestamps bool
}

// Apply mutates t in place according to p. It does not bump Version or
// LastUpdatedAt; the store does that as part of the CAS write.
func (p *Patch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CalculatedPriority != nil {
		t.CalculatedPriority = *p.CalculatedPriority
	}
	if p.DependencyDepth != nil {
		t.DependencyDepth = *p.DependencyDepth
	}
	if p.ResultData != nil {
		t.ResultData = p.ResultData
	}
	if p.ErrorMessage != nil {
		t.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.AwaitingChildren != nil {
		t.AwaitingChildren = p.AwaitingChildren
	}
	if p.FeatureBranch != nil {
		t.FeatureBranch = *p.FeatureBranch
	}
	if p.TaskBranch != nil {
		t.TaskBranch = *p.TaskBranch
	}
	if p.WorktreePath != nil {
		t.WorktreePath = *p.WorktreePath
	}
	if p.ClearTimestamps {
		t.StartedAt = nil
		t.CompletedAt = nil
	}
	if p.StartedAt != nil {
		t.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
}
