package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/pkg/schedule"
)

// ScheduleStore persists Schedule rows.
type ScheduleStore struct {
	db *sql.DB
}

// Schedules returns the schedule sub-store.
func (s *Store) Schedules() *ScheduleStore { return &ScheduleStore{db: s.db} }

const scheduleColumns = `id, name, kind, cron_expr, interval_seconds, run_at, overlap, enabled,
	task_summary, task_description, agent_type, task_priority, input_data, fire_count, last_fired_at, last_task_id,
	created_at, updated_at, version`

func scanSchedule(row interface{ Scan(...any) error }) (*schedule.Schedule, error) {
	var (
		sc                             schedule.Schedule
		id                             string
		intervalSeconds                int64
		runAt, lastFiredAt, lastTaskID sql.NullString
		inputData                      sql.NullString
		enabled                        int
		createdAt, updatedAt           string
	)
	if err := row.Scan(&id, &sc.Name, &sc.Kind, &sc.CronExpr, &intervalSeconds, &runAt, &sc.Overlap, &enabled,
		&sc.TaskSummary, &sc.TaskDescription, &sc.AgentType, &sc.TaskPriority, &inputData, &sc.FireCount, &lastFiredAt, &lastTaskID,
		&createdAt, &updatedAt, &sc.Version); err != nil {
		return nil, err
	}
	var err error
	if sc.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	sc.Interval = time.Duration(intervalSeconds) * time.Second
	sc.Enabled = enabled != 0
	if inputData.Valid {
		sc.InputData = json.RawMessage(inputData.String)
	}
	if sc.RunAt, err = timePtr(runAt); err != nil {
		return nil, err
	}
	if sc.LastFiredAt, err = timePtr(lastFiredAt); err != nil {
		return nil, err
	}
	if lastTaskID.Valid {
		tid, err := uuid.Parse(lastTaskID.String)
		if err != nil {
			return nil, err
		}
		sc.LastTaskID = &tid
	}
	if sc.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Create inserts a new schedule row.
func (ss *ScheduleStore) Create(ctx context.Context, sc *schedule.Schedule) error {
	enabled := 0
	if sc.Enabled {
		enabled = 1
	}
	_, err := ss.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID.String(), sc.Name, sc.Kind, sc.CronExpr, int64(sc.Interval/time.Second), nullableTime(sc.RunAt), sc.Overlap, enabled,
		sc.TaskSummary, sc.TaskDescription, sc.AgentType, sc.TaskPriority, nullableRaw(sc.InputData), sc.FireCount, nullableTime(sc.LastFiredAt), nullableUUID(sc.LastTaskID),
		sc.CreatedAt.Format(timeLayout), sc.UpdatedAt.Format(timeLayout), sc.Version,
	)
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "insert schedule %s", sc.ID)
	}
	return nil
}

// Get loads one schedule by id.
func (ss *ScheduleStore) Get(ctx context.Context, id uuid.UUID) (*schedule.Schedule, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id.String())
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, queueerr.NotFound("schedule", id)
	}
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "get schedule %s", id)
	}
	return sc, nil
}

// ListEnabled returns every enabled schedule.
func (ss *ScheduleStore) ListEnabled(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1`)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list enabled schedules")
	}
	defer rows.Close()
	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// List returns every schedule.
func (ss *ScheduleStore) List(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindTransientStorageError, err, "list schedules")
	}
	defer rows.Close()
	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Remove deletes a schedule by id.
func (ss *ScheduleStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := ss.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id.String())
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "delete schedule %s", id)
	}
	return nil
}

// RecordFire transactionally bumps fire_count, last_fired_at, and
// last_task_id for a schedule under CAS, used after the scheduler submits
// the task for a fire.
func (ss *ScheduleStore) RecordFire(ctx context.Context, id uuid.UUID, expectedVersion int64, firedAt time.Time, taskID uuid.UUID) error {
	res, err := ss.db.ExecContext(ctx, `UPDATE schedules SET fire_count = fire_count + 1, last_fired_at = ?, last_task_id = ?,
		updated_at = ?, version = ? WHERE id = ? AND version = ?`,
		firedAt.Format(timeLayout), taskID.String(), firedAt.Format(timeLayout), expectedVersion+1, id.String(), expectedVersion,
	)
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "record fire for schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "record fire rows affected for schedule %s", id)
	}
	if n == 0 {
		return queueerr.OptimisticLockConflict(id, expectedVersion)
	}
	return nil
}

// SetEnabled toggles a schedule's enabled flag.
func (ss *ScheduleStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := ss.db.ExecContext(ctx, `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`, v, time.Now().Format(timeLayout), id.String())
	if err != nil {
		return queueerr.Wrap(queueerr.KindTransientStorageError, err, "set enabled for schedule %s", id)
	}
	return nil
}
