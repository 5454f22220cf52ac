package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/pkg/worktree"
)

// WorktreeStore persists Worktree rows with optimistic concurrency on
// Version.
type WorktreeStore struct {
	db *sql.DB
}

// Worktrees returns the worktree sub-store.
func (s *Store) Worktrees() *WorktreeStore { return &WorktreeStore{db: s.db} }

const worktreeColumns = `id, task_id, path, branch, base_ref, status, merge_commit, error_message,
	created_at, updated_at, completed_at, version`

func scanWorktree(row interface{ Scan(...any) error }) (*worktree.Worktree, error) {
	var (
		w                    worktree.Worktree
		id, taskID           string
		completedAt          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &taskID, &w.Path, &w.Branch, &w.BaseRef, &w.Status, &w.MergeCommit, &w.ErrorMessage,
		&createdAt, &updatedAt, &completedAt, &w.Version); err != nil {
		return nil, err
	}
	var err error
	if w.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if w.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	if w.CompletedAt, err = timePtr(completedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// Create inserts a new worktree row.
func (ws *WorktreeStore) Create(ctx context.Context, w *worktree.Worktree) error {
	_, err := ws.db.ExecContext(ctx, `INSERT INTO worktrees (`+worktreeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID.String(), w.TaskID.String(), w.Path, w.Branch, w.BaseRef, w.Status, w.MergeCommit, w.ErrorMessage,
		w.CreatedAt.Format(timeLayout), w.UpdatedAt.Format(timeLayout), nullableTime(w.CompletedAt), w.Version,
	)
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "insert worktree %s", w.ID)
	}
	return nil
}

// Get loads one worktree by id.
func (ws *WorktreeStore) Get(ctx context.Context, id uuid.UUID) (*worktree.Worktree, error) {
	row := ws.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id.String())
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, queueerr.NotFound("worktree", id)
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get worktree %s", id)
	}
	return w, nil
}

// GetByBranch loads the most recently created worktree record for branch,
// in any status, if any.
func (ws *WorktreeStore) GetByBranch(ctx context.Context, branch string) (*worktree.Worktree, error) {
	row := ws.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE branch = ? ORDER BY created_at DESC LIMIT 1`, branch)
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get worktree by branch %q", branch)
	}
	return w, nil
}

// GetByTask loads the worktree associated with a task, if any.
func (ws *WorktreeStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*worktree.Worktree, error) {
	row := ws.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID.String())
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get worktree for task %s", taskID)
	}
	return w, nil
}

// List returns every worktree, newest first.
func (ws *WorktreeStore) List(ctx context.Context) ([]*worktree.Worktree, error) {
	rows, err := ws.db.QueryContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees ORDER BY created_at DESC`)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list worktrees")
	}
	defer rows.Close()
	var out []*worktree.Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListCleanable returns every worktree whose status allows on-disk removal.
func (ws *WorktreeStore) ListCleanable(ctx context.Context) ([]*worktree.Worktree, error) {
	rows, err := ws.db.QueryContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE status IN (?, ?)`,
		worktree.StatusMerged, worktree.StatusFailed)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list cleanable worktrees")
	}
	defer rows.Close()
	var out []*worktree.Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update persists w's mutable fields under CAS, keyed on its current
// Version before the caller applied its in-memory transition.
func (ws *WorktreeStore) Update(ctx context.Context, w *worktree.Worktree, expectedVersion int64) error {
	res, err := ws.db.ExecContext(ctx, `UPDATE worktrees SET status = ?, merge_commit = ?, error_message = ?,
		updated_at = ?, completed_at = ?, version = ? WHERE id = ? AND version = ?`,
		w.Status, w.MergeCommit, w.ErrorMessage, w.UpdatedAt.Format(timeLayout), nullableTime(w.CompletedAt), expectedVersion+1,
		w.ID.String(), expectedVersion,
	)
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "update worktree %s", w.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "update worktree %s rows affected", w.ID)
	}
	if n == 0 {
		return queueerr.OptimisticLockConflict(w.ID, expectedVersion)
	}
	w.Version = expectedVersion + 1
	return nil
}
