package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/pkg/task"
)

// TaskStore persists Task rows with optimistic concurrency on Version.
type TaskStore struct {
	db *sql.DB
}

// Tasks returns the task sub-store.
func (s *Store) Tasks() *TaskStore { return &TaskStore{db: s.db} }

const timeLayout = time.RFC3339Nano

func timePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func uuidList(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	b, _ := json.Marshal(strs)
	return string(b)
}

func parseUUIDList(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(strs))
	for i, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func nullableUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

const taskColumns = `id, summary, description, agent_type, status, base_priority, calculated_priority,
	dependencies, dependency_type, dependency_depth, parent_task_id, awaiting_children,
	input_data, result_data, error_message, retry_count, max_retries, max_execution_timeout_seconds,
	idempotency_key, source, feature_branch, task_branch, worktree_path,
	submitted_at, started_at, completed_at, last_updated_at, deadline, version`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		t                                task.Task
		id                               string
		deps, awaiting                   string
		parentID, idempotencyKey         sql.NullString
		inputData, resultData            sql.NullString
		startedAt, completedAt, deadline sql.NullString
		submittedAt, lastUpdatedAt       string
	)
	if err := row.Scan(
		&id, &t.Summary, &t.Description, &t.AgentType, &t.Status, &t.BasePriority, &t.CalculatedPriority,
		&deps, &t.DependencyType, &t.DependencyDepth, &parentID, &awaiting,
		&inputData, &resultData, &t.ErrorMessage, &t.RetryCount, &t.MaxRetries, &t.MaxExecutionTimeoutSeconds,
		&idempotencyKey, &t.Source, &t.FeatureBranch, &t.TaskBranch, &t.WorktreePath,
		&submittedAt, &startedAt, &completedAt, &lastUpdatedAt, &deadline, &t.Version,
	); err != nil {
		return nil, err
	}

	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if t.Dependencies, err = parseUUIDList(deps); err != nil {
		return nil, err
	}
	if t.AwaitingChildren, err = parseUUIDList(awaiting); err != nil {
		return nil, err
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, err
		}
		t.ParentTaskID = &pid
	}
	if idempotencyKey.Valid {
		t.IdempotencyKey = idempotencyKey.String
	}
	if inputData.Valid {
		t.InputData = json.RawMessage(inputData.String)
	}
	if resultData.Valid {
		t.ResultData = json.RawMessage(resultData.String)
	}
	if t.SubmittedAt, err = time.Parse(timeLayout, submittedAt); err != nil {
		return nil, err
	}
	if t.LastUpdatedAt, err = time.Parse(timeLayout, lastUpdatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = timePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = timePtr(completedAt); err != nil {
		return nil, err
	}
	if t.Deadline, err = timePtr(deadline); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new task row. Returns KindDuplicateIdempotencyKey if the
// idempotency key collides with an existing row.
func (ts *TaskStore) Create(ctx context.Context, t *task.Task) error {
	return createTaskTx(ctx, ts.db, t)
}

func createTaskTx(ctx context.Context, ex execer, t *task.Task) error {
	var idempotencyKey sql.NullString
	if t.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: t.IdempotencyKey, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.Summary, t.Description, t.AgentType, t.Status, t.BasePriority, t.CalculatedPriority,
		uuidList(t.Dependencies), t.DependencyType, t.DependencyDepth, nullableUUID(t.ParentTaskID), uuidList(t.AwaitingChildren),
		nullableRaw(t.InputData), nullableRaw(t.ResultData), t.ErrorMessage, t.RetryCount, t.MaxRetries, t.MaxExecutionTimeoutSeconds,
		idempotencyKey, t.Source, t.FeatureBranch, t.TaskBranch, t.WorktreePath,
		t.SubmittedAt.Format(timeLayout), nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.LastUpdatedAt.Format(timeLayout),
		nullableTime(t.Deadline), t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return queueerr.New(queueerr.KindDuplicateIdempotencyKey, "idempotency key %q already used", t.IdempotencyKey)
		}
		if strings.Contains(err.Error(), "constraint failed") {
			return queueerr.Wrap(queueerr.KindPermanentStorageError, err, "insert task %s", t.ID)
		}
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "insert task %s", t.ID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// Get loads one task by id.
func (ts *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := ts.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, queueerr.NotFound("task", id)
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get task %s", id)
	}
	return t, nil
}

// GetByIdempotencyKey loads a task by its idempotency key, if one exists.
func (ts *TaskStore) GetByIdempotencyKey(ctx context.Context, key string) (*task.Task, error) {
	row := ts.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?`, key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get task by idempotency key %q", key)
	}
	return t, nil
}

// TaskFilter narrows List/Count queries and pages their results. Zero
// fields don't constrain; a nil *TaskFilter matches everything.
type TaskFilter struct {
	Status        *task.Status
	AgentType     string
	ParentTaskID  *uuid.UUID
	FeatureBranch string
	Limit         int
	Offset        int
}

func (f *TaskFilter) where() (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *f.Status)
	}
	if f.AgentType != "" {
		conds = append(conds, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.ParentTaskID != nil {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.ParentTaskID.String())
	}
	if f.FeatureBranch != "" {
		conds = append(conds, "feature_branch = ?")
		args = append(args, f.FeatureBranch)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns tasks matching f, ordered by submitted_at ascending and
// paged by f's Limit/Offset.
func (ts *TaskStore) List(ctx context.Context, f *TaskFilter) ([]*task.Task, error) {
	where, args := f.where()
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY submitted_at ASC`
	if f != nil && (f.Limit > 0 || f.Offset > 0) {
		limit := f.Limit
		if limit <= 0 {
			limit = -1 // no cap, offset only
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}
	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Count returns the number of tasks matching f, ignoring its paging.
func (ts *TaskStore) Count(ctx context.Context, f *TaskFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := ts.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, queueerr.Wrap(queueerr.KindTransientStorageError, err, "count tasks")
	}
	return n, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListReady returns every task in StatusReady, ordered for the dispatcher's
// priority-then-age tie-break.
func (ts *TaskStore) ListReady(ctx context.Context) ([]*task.Task, error) {
	rows, err := ts.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?
		ORDER BY calculated_priority DESC, submitted_at ASC, id ASC`, task.StatusReady)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list ready tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDependents returns every task that lists id as a dependency.
func (ts *TaskStore) ListDependents(ctx context.Context, id uuid.UUID) ([]*task.Task, error) {
	rows, err := ts.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id WHERE d.depends_on_id = ?`, id.String())
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list dependents of %s", id)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListChildren returns every task whose parent_task_id is id.
func (ts *TaskStore) ListChildren(ctx context.Context, id uuid.UUID) ([]*task.Task, error) {
	rows, err := ts.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ?`, id.String())
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list children of %s", id)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CAS applies patch to the task identified by id, provided its current
// version equals expectedVersion, bumping version by one and refreshing
// last_updated_at. Returns KindOptimisticLockConflict when the row has
// moved on.
func (ts *TaskStore) CAS(ctx context.Context, id uuid.UUID, expectedVersion int64, patch *task.Patch) (*task.Task, error) {
	return casTaskTx(ctx, ts.db, id, expectedVersion, patch)
}

func casTaskTx(ctx context.Context, ex execer, id uuid.UUID, expectedVersion int64, patch *task.Patch) (*task.Task, error) {
	current, err := scanTask(ex.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String()))
	if err == sql.ErrNoRows {
		return nil, queueerr.NotFound("task", id)
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "cas read task %s", id)
	}

	patch.Apply(current)
	current.LastUpdatedAt = time.Now()
	current.Version = expectedVersion + 1

	res, err := ex.ExecContext(ctx, `UPDATE tasks SET
		status = ?, calculated_priority = ?, dependency_depth = ?, result_data = ?, error_message = ?, retry_count = ?,
		awaiting_children = ?, feature_branch = ?, task_branch = ?, worktree_path = ?,
		started_at = ?, completed_at = ?, last_updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		current.Status, current.CalculatedPriority, current.DependencyDepth, nullableRaw(current.ResultData), current.ErrorMessage, current.RetryCount,
		uuidList(current.AwaitingChildren), current.FeatureBranch, current.TaskBranch, current.WorktreePath,
		nullableTime(current.StartedAt), nullableTime(current.CompletedAt), current.LastUpdatedAt.Format(timeLayout), current.Version,
		id.String(), expectedVersion,
	)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "cas update task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "cas rows affected task %s", id)
	}
	if n == 0 {
		return nil, queueerr.OptimisticLockConflict(id, expectedVersion)
	}
	return current, nil
}

// DecomposeResult reports the outcome of an atomic decomposition.
type DecomposeResult struct {
	Parent         *task.Task
	Created        []*task.Task
	AlreadyExisted []*task.Task
}

// AtomicDecompose transitions parent into AwaitingChildren and inserts every
// child in a single transaction. A child whose idempotency key already
// exists is folded into AlreadyExisted rather than treated as an error,
// matching decomposition's at-least-once replay semantics.
func (ts *TaskStore) AtomicDecompose(ctx context.Context, parentID uuid.UUID, expectedVersion int64, children []*task.Task) (*DecomposeResult, error) {
	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "begin decompose tx")
	}
	defer tx.Rollback()

	childIDs := make([]uuid.UUID, 0, len(children))
	var created, existed []*task.Task

	for _, c := range children {
		if c.IdempotencyKey != "" {
			existing, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?`, c.IdempotencyKey))
			if err != nil && err != sql.ErrNoRows {
				return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "check idempotency key %q", c.IdempotencyKey)
			}
			if err == nil {
				existed = append(existed, existing)
				childIDs = append(childIDs, existing.ID)
				continue
			}
		}
		if err := createTaskTx(ctx, tx, c); err != nil {
			return nil, err
		}
		created = append(created, c)
		childIDs = append(childIDs, c.ID)
	}

	awaitingPatch := &task.Patch{
		AwaitingChildren: childIDs,
	}
	status := task.StatusAwaitingChildren
	awaitingPatch.Status = &status

	parent, err := casTaskTx(ctx, tx, parentID, expectedVersion, awaitingPatch)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "commit decompose tx")
	}
	return &DecomposeResult{Parent: parent, Created: created, AlreadyExisted: existed}, nil
}

// SetDependencies replaces the task_dependencies rows for id.
func (ts *TaskStore) SetDependencies(ctx context.Context, id uuid.UUID, deps []uuid.UUID) error {
	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "begin set-dependencies tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id.String()); err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "clear dependencies of %s", id)
	}
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id.String(), d.String()); err != nil {
			return queueerr.Wrap(queueerr.KindTransientStorageError, err, "insert dependency %s -> %s", id, d)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET dependencies = ? WHERE id = ?`, uuidList(deps), id.String()); err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "update dependencies column for %s", id)
	}
	if err := tx.Commit(); err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "commit set-dependencies tx")
	}
	return nil
}
