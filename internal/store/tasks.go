package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/sentinel/internal/apierr"
)

// ScheduledTask is a Scheduler job definition (§4.D): what job to run
// (JobKey identifies the handler — "collection_sweep", "hourly_cleanup",
// "daily_report", "weekly_report" — or a caller-defined one-shot) and
// when. Exactly one of At/EverySec/CronExpr is meaningful, selected by
// ScheduleKind.
type ScheduledTask struct {
	ID           string    `json:"id"`
	JobKey       string    `json:"jobKey"`
	ScheduleKind string    `json:"scheduleKind"`
	At           *time.Time `json:"at,omitempty"`
	EverySec     *int64    `json:"everySec,omitempty"`
	CronExpr     string    `json:"cronExpr,omitempty"`
	Timezone     string    `json:"timezone"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ScheduleKind values for ScheduledTask.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// NewTaskID generates a UUIDv7 task identifier, falling back to v4.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateScheduledTask inserts a new task definition.
func (s *Store) CreateScheduledTask(t ScheduledTask) (ScheduledTask, error) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, job_key, schedule_kind, at, every_sec, cron_expr, timezone, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.JobKey, t.ScheduleKind, formatNullTime(t.At), formatNullInt64(t.EverySec), t.CronExpr, t.Timezone,
		boolToInt(t.Enabled), t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ScheduledTask{}, apierr.Wrap(apierr.KindConflict, "create scheduled task", err)
	}
	return t, nil
}

// UpdateScheduledTask replaces a task definition's mutable fields.
func (s *Store) UpdateScheduledTask(t ScheduledTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks SET schedule_kind = ?, at = ?, every_sec = ?, cron_expr = ?, timezone = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, t.ScheduleKind, formatNullTime(t.At), formatNullInt64(t.EverySec), t.CronExpr, t.Timezone,
		boolToInt(t.Enabled), t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "scheduled_task", t.ID)
}

// GetScheduledTask retrieves a task definition by ID.
func (s *Store) GetScheduledTask(id string) (ScheduledTask, error) {
	row := s.db.QueryRow(`
		SELECT id, job_key, schedule_kind, at, every_sec, cron_expr, timezone, enabled, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?
	`, id)
	t, err := scanScheduledTaskLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, apierr.NotFound("scheduled_task", id)
	}
	return t, err
}

// ListScheduledTasks returns task definitions, optionally restricted to
// enabled ones.
func (s *Store) ListScheduledTasks(enabledOnly bool) ([]ScheduledTask, error) {
	query := `SELECT id, job_key, schedule_kind, at, every_sec, cron_expr, timezone, enabled, created_at, updated_at FROM scheduled_tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTaskLike(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteScheduledTask removes a task definition.
func (s *Store) DeleteScheduledTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "scheduled_task", id)
}

func scanScheduledTaskLike(sc rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var at, createdAt, updatedAt sql.NullString
	var everySec sql.NullInt64
	var enabled int

	if err := sc.Scan(&t.ID, &t.JobKey, &t.ScheduleKind, &at, &everySec, &t.CronExpr, &t.Timezone, &enabled, &createdAt, &updatedAt); err != nil {
		return ScheduledTask{}, err
	}

	t.Enabled = enabled == 1
	if at.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, at.String); err == nil {
			t.At = &parsed
		}
	}
	if everySec.Valid {
		v := everySec.Int64
		t.EverySec = &v
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	return t, nil
}

func formatNullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
