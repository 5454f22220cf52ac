// Package worktreemgr coordinates per-task git worktrees: creation on a
// fresh branch cut from a base ref, release/merge back, and retention
// cleanup, keyed on the task rather than a feature name, driven by the
// worktree state machine in pkg/worktree.
package worktreemgr

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/git"
	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/internal/store"
	"github.com/taskforge/queue/pkg/filesystem"
	"github.com/taskforge/queue/pkg/task"
	"github.com/taskforge/queue/pkg/worktree"
)

// Manager coordinates the lifecycle of per-task worktrees.
type Manager struct {
	git      *git.Git
	store    *store.WorktreeStore
	fs       filesystem.FileSystemInterface
	log      *slog.Logger
	rootDir  string
	baseRef  string
	branchMu sync.Map // branch name -> *sync.Mutex, serializes per-branch git ops
}

// New constructs a Manager that checks worktrees out under rootDir, cut
// from baseRef unless a task overrides it.
func New(g *git.Git, s *store.WorktreeStore, rootDir, baseRef string) *Manager {
	return &Manager{
		git:     g,
		store:   s,
		fs:      filesystem.NewStandardFileSystem(),
		log:     slog.Default(),
		rootDir: rootDir,
		baseRef: baseRef,
	}
}

// Store returns the underlying worktree store, for callers that need to
// look up a task's worktree without going through a lifecycle method.
func (m *Manager) Store() *store.WorktreeStore { return m.store }

func (m *Manager) lockFor(branch string) func() {
	v, _ := m.branchMu.LoadOrStore(branch, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// unsafeBranchChars matches anything not safe to embed directly in a git
// branch name or filesystem path segment.
var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// sanitizeBranchName replaces characters unsafe for a branch name with a
// hyphen, collapsing runs.
func sanitizeBranchName(s string) string {
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/")
	if s == "" {
		s = "task"
	}
	return s
}

// FeatureNameFor derives the branch-safe feature name for a task: a chain
// step's explicit output takes precedence, then the task's own
// FeatureBranch field, and finally a sanitized summary.
func FeatureNameFor(t *task.Task, chainFeatureName string) string {
	if chainFeatureName != "" {
		return sanitizeBranchName(chainFeatureName)
	}
	if t.FeatureBranch != "" {
		return sanitizeBranchName(t.FeatureBranch)
	}
	return sanitizeBranchName(t.Summary)
}

// EnsureWorktree returns the existing active worktree for t if one exists,
// reusing it; otherwise it creates a fresh worktree on a new branch cut
// from baseRef (or the manager's default).
func (m *Manager) EnsureWorktree(ctx context.Context, t *task.Task, chainFeatureName, baseRefOverride string) (*worktree.Worktree, error) {
	if existing, err := m.store.GetByTask(ctx, t.ID); err != nil {
		return nil, err
	} else if existing != nil && existing.Status == worktree.StatusActive {
		if m.fs.Exists(existing.Path) {
			return existing, nil
		}
		// The worktree directory vanished outside our control (e.g. manual
		// cleanup); fall through and cut a fresh one rather than handing the
		// substrate a dead path.
	}

	branch := worktree.BranchNameForTask(t.ID)
	if name := FeatureNameFor(t, chainFeatureName); name != "" {
		branch = fmt.Sprintf("task/%s", name)
	}
	path := worktree.PathForTask(m.rootDir, t.ID)
	baseRef := baseRefOverride
	if baseRef == "" {
		baseRef = m.baseRef
	}

	unlock := m.lockFor(branch)
	defer unlock()

	// Another task may already hold this branch checked out; a branch is
	// never in two active worktrees, so share the existing checkout.
	if onBranch, err := m.store.GetByBranch(ctx, branch); err != nil {
		return nil, err
	} else if onBranch != nil && onBranch.Status == worktree.StatusActive && m.fs.Exists(onBranch.Path) {
		if onBranch.BaseRef != baseRef {
			// Branch identity wins over the requested base ref; the existing
			// checkout is still the one true home of this branch.
			m.log.Warn("worktree reuse with mismatched base ref",
				"branch", branch, "existing_base_ref", onBranch.BaseRef, "requested_base_ref", baseRef)
		}
		return onBranch, nil
	}

	w := worktree.New(t.ID, path, branch, baseRef)
	if err := m.store.Create(ctx, w); err != nil {
		return nil, err
	}

	if err := m.git.AddWorktreeFromBase(ctx, path, branch, baseRef); err != nil {
		_ = w.Fail(err.Error())
		_ = m.store.Update(ctx, w, 0)
		return nil, queueerr.Wrap(queueerr.KindWorktreeError, err, "create worktree for task %s", t.ID)
	}

	if err := w.Activate(); err != nil {
		return nil, queueerr.Wrap(queueerr.KindWorktreeError, err, "activate worktree for task %s", t.ID)
	}
	if err := m.store.Update(ctx, w, 0); err != nil {
		return nil, err
	}
	return w, nil
}

// Complete marks a worktree's work finished, ready for merge.
func (m *Manager) Complete(ctx context.Context, w *worktree.Worktree) error {
	version := w.Version
	if err := w.Complete(); err != nil {
		return queueerr.Wrap(queueerr.KindWorktreeError, err, "complete worktree %s", w.ID)
	}
	return m.store.Update(ctx, w, version)
}

// Merge merges a completed worktree's branch back into the repository's
// default branch and transitions it to Merged.
func (m *Manager) Merge(ctx context.Context, w *worktree.Worktree) error {
	unlock := m.lockFor(w.Branch)
	defer unlock()

	version := w.Version
	if err := w.StartMerge(); err != nil {
		return queueerr.Wrap(queueerr.KindWorktreeError, err, "start merge for worktree %s", w.ID)
	}
	if err := m.store.Update(ctx, w, version); err != nil {
		return err
	}

	commit, err := m.git.MergeBranch(ctx, w.Branch)
	if err != nil {
		version = w.Version
		_ = w.Fail(err.Error())
		return m.store.Update(ctx, w, version)
	}

	version = w.Version
	if err := w.Merged(commit); err != nil {
		return queueerr.Wrap(queueerr.KindWorktreeError, err, "mark worktree %s merged", w.ID)
	}
	return m.store.Update(ctx, w, version)
}

// Release removes a cleanable worktree's directory and branch from disk,
// transitioning it to Removed. It is a no-op (not an error) if the
// worktree is not yet in a cleanable state; retention is driven by
// ReleaseStale on a timer, not by immediate release after merge.
func (m *Manager) Release(ctx context.Context, w *worktree.Worktree, force bool) error {
	if !w.CanCleanup() {
		return nil
	}
	unlock := m.lockFor(w.Branch)
	defer unlock()

	if err := m.git.RemoveWorktree(ctx, w.Path, force); err != nil {
		return queueerr.Wrap(queueerr.KindWorktreeError, err, "remove worktree %s", w.ID)
	}
	_ = m.git.DeleteBranch(ctx, w.Branch, force)

	version := w.Version
	if err := w.Remove(); err != nil {
		return queueerr.Wrap(queueerr.KindWorktreeError, err, "mark worktree %s removed", w.ID)
	}
	return m.store.Update(ctx, w, version)
}

// ReleaseStale releases every cleanable worktree older than retention,
// for periodic cleanup by the dispatcher.
func (m *Manager) ReleaseStale(ctx context.Context, retention time.Duration) error {
	cleanable, err := m.store.ListCleanable(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-retention)
	for _, w := range cleanable {
		if w.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Release(ctx, w, true); err != nil {
			return err
		}
	}
	return nil
}

// Fail marks a worktree failed with message, from whatever non-terminal
// status it is in.
func (m *Manager) Fail(ctx context.Context, taskID uuid.UUID, message string) error {
	w, err := m.store.GetByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	version := w.Version
	if err := w.Fail(message); err != nil {
		return nil // already terminal; nothing to record
	}
	return m.store.Update(ctx, w, version)
}
