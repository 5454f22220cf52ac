// Package worktree models the git worktree that backs a task's isolated
// working directory, mirroring the lifecycle tracked by the worktree
// coordinator (internal/worktreemgr).
package worktree

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a worktree.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusMerging   Status = "merging"
	StatusMerged    Status = "merged"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// Terminal reports whether no further transition is expected without
// operator intervention.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusFailed, StatusRemoved:
		return true
	default:
		return false
	}
}

// Worktree tracks one checked-out branch dedicated to a task.
type Worktree struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	Path         string
	Branch       string
	BaseRef      string
	Status       Status
	MergeCommit  string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	Version      int64
}

// BranchNameForTask derives a branch name from the first 8 characters of
// the task's ID. worktreemgr.EnsureWorktree replaces it with
// task/<feature name> whenever FeatureNameFor returns a name, which it
// always does (falling back to the sanitized summary, or "task").
func BranchNameForTask(taskID uuid.UUID) string {
	return fmt.Sprintf("task/%s", taskID.String()[:8])
}

// PathForTask derives the default worktree directory for a task beneath root.
func PathForTask(root string, taskID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", root, taskID.String()[:8])
}

// New constructs a worktree record in StatusCreating.
func New(taskID uuid.UUID, path, branch, baseRef string) *Worktree {
	now := time.Now()
	return &Worktree{
		ID:        uuid.New(),
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		BaseRef:   baseRef,
		Status:    StatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Activate transitions a worktree from Creating to Active once checkout
// succeeds.
func (w *Worktree) Activate() error {
	if w.Status != StatusCreating {
		return fmt.Errorf("worktree: cannot activate from status %s", w.Status)
	}
	w.Status = StatusActive
	w.UpdatedAt = time.Now()
	return nil
}

// Complete marks the worktree's task work finished, pending merge.
func (w *Worktree) Complete() error {
	if w.Status != StatusActive {
		return fmt.Errorf("worktree: cannot complete from status %s", w.Status)
	}
	now := time.Now()
	w.Status = StatusCompleted
	w.UpdatedAt = now
	w.CompletedAt = &now
	return nil
}

// StartMerge transitions a completed worktree into merging.
func (w *Worktree) StartMerge() error {
	if w.Status != StatusCompleted {
		return fmt.Errorf("worktree: cannot start merge from status %s", w.Status)
	}
	w.Status = StatusMerging
	w.UpdatedAt = time.Now()
	return nil
}

// Merged records a successful merge commit and terminates the worktree.
func (w *Worktree) Merged(commit string) error {
	if w.Status != StatusMerging {
		return fmt.Errorf("worktree: cannot mark merged from status %s", w.Status)
	}
	w.Status = StatusMerged
	w.MergeCommit = commit
	w.UpdatedAt = time.Now()
	return nil
}

// Fail records a terminal failure with a message, from any non-terminal
// status.
func (w *Worktree) Fail(message string) error {
	if w.Status.Terminal() {
		return fmt.Errorf("worktree: cannot fail from terminal status %s", w.Status)
	}
	w.Status = StatusFailed
	w.ErrorMessage = message
	w.UpdatedAt = time.Now()
	return nil
}

// Remove marks a worktree's directory and branch as reclaimed.
func (w *Worktree) Remove() error {
	if !w.CanCleanup() {
		return fmt.Errorf("worktree: cannot remove from status %s", w.Status)
	}
	w.Status = StatusRemoved
	w.UpdatedAt = time.Now()
	return nil
}

// CanCleanup reports whether the worktree is in a state where its on-disk
// directory may be pruned (completed work merged, or failed outright).
func (w *Worktree) CanCleanup() bool {
	switch w.Status {
	case StatusMerged, StatusFailed:
		return true
	default:
		return false
	}
}
