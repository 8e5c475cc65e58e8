package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/sentinel/internal/apierr"
)

// NewExecutionID generates a UUIDv7 execution identifier, falling back
// to v4 if the time-ordered generator fails (clock unavailable).
func NewExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateExecution records the start of a job run in status running.
func (s *Store) CreateExecution(e TaskExecution) (TaskExecution, error) {
	if e.ID == "" {
		e.ID = NewExecutionID()
	}
	if e.Status == "" {
		e.Status = ExecutionRunning
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return TaskExecution{}, fmt.Errorf("marshal details: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO task_executions (id, name, kind, status, started_at, finished_at, duration_sec, success, error, processed, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.Kind, e.Status, e.StartedAt.Format(time.RFC3339Nano),
		formatNullTime(e.FinishedAt), e.DurationSec, boolToInt(e.Success), e.Error, e.Processed, string(detailsJSON))
	if err != nil {
		// idx_executions_one_running backstops the RunningExecutionByName
		// check-then-insert in scheduler.RunNow/SubmitOneShot: a second
		// concurrent insert for the same name while one is already
		// running trips this unique index instead of racing past it.
		if e.Status == ExecutionRunning {
			return TaskExecution{}, apierr.Wrap(apierr.KindConflict, "job already running", err)
		}
		return TaskExecution{}, err
	}
	return e, nil
}

// FinishExecution transitions an execution to a terminal status and
// records its outcome.
func (s *Store) FinishExecution(e TaskExecution) error {
	if e.FinishedAt == nil {
		now := time.Now().UTC()
		e.FinishedAt = &now
	}
	e.DurationSec = e.FinishedAt.Sub(e.StartedAt).Seconds()

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE task_executions SET status = ?, finished_at = ?, duration_sec = ?, success = ?, error = ?, processed = ?, details_json = ?
		WHERE id = ?
	`, e.Status, formatNullTime(e.FinishedAt), e.DurationSec, boolToInt(e.Success), e.Error, e.Processed, string(detailsJSON), e.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "execution", e.ID)
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(id string) (TaskExecution, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, status, started_at, finished_at, duration_sec, success, error, processed, details_json
		FROM task_executions WHERE id = ?
	`, id)
	e, err := scanExecutionLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskExecution{}, apierr.NotFound("execution", id)
	}
	return e, err
}

// RunningExecutionByName returns the currently-running execution for a
// job name (jobKey), if any — used to enforce at-most-one-in-flight.
// Returns apierr.KindNotFound if none is running.
func (s *Store) RunningExecutionByName(name string) (TaskExecution, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, status, started_at, finished_at, duration_sec, success, error, processed, details_json
		FROM task_executions WHERE name = ? AND status = ? LIMIT 1
	`, name, ExecutionRunning)
	e, err := scanExecutionLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskExecution{}, apierr.NotFound("execution", name)
	}
	return e, err
}

// ListExecutions returns the most recent executions for a job name.
func (s *Store) ListExecutions(name string, limit int) ([]TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, name, kind, status, started_at, finished_at, duration_sec, success, error, processed, details_json
		FROM task_executions WHERE name = ? ORDER BY started_at DESC LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskExecution
	for rows.Next() {
		e, err := scanExecutionLike(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CancelStaleRunning marks every execution still in status running as
// cancelled. Called once at startup so a prior ungraceful shutdown
// doesn't leave a phantom in-flight job blocking at-most-one-in-flight
// forever.
func (s *Store) CancelStaleRunning() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE task_executions SET status = ?, finished_at = ?, error = 'interrupted by restart'
		WHERE status = ?
	`, ExecutionCancelled, now, ExecutionRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanExecutionLike(sc rowScanner) (TaskExecution, error) {
	var e TaskExecution
	var startedAt string
	var finishedAt sql.NullString
	var success int
	var detailsJSON string

	err := sc.Scan(&e.ID, &e.Name, &e.Kind, &e.Status, &startedAt, &finishedAt, &e.DurationSec, &success, &e.Error, &e.Processed, &detailsJSON)
	if err != nil {
		return TaskExecution{}, err
	}

	e.Success = success == 1
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err == nil {
			e.FinishedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
		return TaskExecution{}, fmt.Errorf("unmarshal details: %w", err)
	}
	return e, nil
}
