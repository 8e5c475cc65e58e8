package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
)

// CreateReport inserts a new report in status pending.
func (s *Store) CreateReport(r Report) (Report, error) {
	if r.Status == "" {
		r.Status = ReportPending
	}
	if r.Format == "" {
		r.Format = ReportFormatMarkdown
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	subsJSON, statsJSON, err := marshalReport(r)
	if err != nil {
		return Report{}, err
	}

	res, err := s.db.Exec(`
		INSERT INTO reports (owner_user_id, subscription_ids_json, title, kind, status, format,
			period_start, period_end, summary, body, ai_analysis, stats_json, error, created_at, updated_at, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.OwnerUserID, subsJSON, r.Title, r.Kind, r.Status, r.Format,
		r.PeriodStart.Format(time.RFC3339Nano), r.PeriodEnd.Format(time.RFC3339Nano),
		r.Summary, r.Body, r.AIAnalysis, statsJSON, r.Error,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano), formatNullTime(r.GeneratedAt))
	if err != nil {
		return Report{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Report{}, err
	}
	r.ID = id
	return r, nil
}

func marshalReport(r Report) (subs, stats string, err error) {
	s1, err := json.Marshal(r.SubscriptionIDs)
	if err != nil {
		return "", "", fmt.Errorf("marshal subscriptionIds: %w", err)
	}
	s2, err := json.Marshal(r.Stats)
	if err != nil {
		return "", "", fmt.Errorf("marshal stats: %w", err)
	}
	return string(s1), string(s2), nil
}

// GetReport retrieves a report by ID.
func (s *Store) GetReport(id int64) (Report, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_user_id, subscription_ids_json, title, kind, status, format,
			period_start, period_end, summary, body, ai_analysis, stats_json, error,
			created_at, updated_at, generated_at
		FROM reports WHERE id = ?
	`, id)
	r, err := scanReportLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, apierr.NotFound("report", id)
	}
	return r, err
}

// ListReportsByOwner returns reports for a user, newest first.
func (s *Store) ListReportsByOwner(ownerUserID int64, limit int) ([]Report, error) {
	query := `
		SELECT id, owner_user_id, subscription_ids_json, title, kind, status, format,
			period_start, period_end, summary, body, ai_analysis, stats_json, error,
			created_at, updated_at, generated_at
		FROM reports WHERE owner_user_id = ? ORDER BY created_at DESC
	`
	args := []any{ownerUserID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r, err := scanReportLike(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReport persists the full mutable state of a report. Callers are
// responsible for honoring the §8 terminal-immutability invariant:
// transitioning a report already in completed/failed is a programming
// error (the Report Orchestrator never calls this after finalize,
// except via an explicit delete-and-recreate for regeneration).
func (s *Store) UpdateReport(r Report) error {
	r.UpdatedAt = time.Now().UTC()
	subsJSON, statsJSON, err := marshalReport(r)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE reports SET subscription_ids_json = ?, title = ?, status = ?, format = ?,
			summary = ?, body = ?, ai_analysis = ?, stats_json = ?, error = ?, updated_at = ?, generated_at = ?
		WHERE id = ?
	`, subsJSON, r.Title, r.Status, r.Format, r.Summary, r.Body, r.AIAnalysis, statsJSON, r.Error,
		r.UpdatedAt.Format(time.RFC3339Nano), formatNullTime(r.GeneratedAt), r.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "report", r.ID)
}

// DeleteReport removes a report regardless of status — deletion is the
// one mutation terminal reports still permit (§8 invariant 3).
func (s *Store) DeleteReport(id int64) error {
	res, err := s.db.Exec(`DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "report", id)
}

// CountReports returns the total number of reports, for the dashboard's
// aggregate stats endpoint.
func (s *Store) CountReports() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&n)
	return n, err
}

func scanReportLike(sc rowScanner) (Report, error) {
	var r Report
	var subsJSON, statsJSON, periodStart, periodEnd, createdAt, updatedAt string
	var generatedAt sql.NullString

	err := sc.Scan(&r.ID, &r.OwnerUserID, &subsJSON, &r.Title, &r.Kind, &r.Status, &r.Format,
		&periodStart, &periodEnd, &r.Summary, &r.Body, &r.AIAnalysis, &statsJSON, &r.Error,
		&createdAt, &updatedAt, &generatedAt)
	if err != nil {
		return Report{}, err
	}

	if err := json.Unmarshal([]byte(subsJSON), &r.SubscriptionIDs); err != nil {
		return Report{}, fmt.Errorf("unmarshal subscriptionIds: %w", err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &r.Stats); err != nil {
		return Report{}, fmt.Errorf("unmarshal stats: %w", err)
	}

	r.PeriodStart, _ = time.Parse(time.RFC3339Nano, periodStart)
	r.PeriodEnd, _ = time.Parse(time.RFC3339Nano, periodEnd)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if generatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, generatedAt.String)
		if err == nil {
			r.GeneratedAt = &t
		}
	}
	return r, nil
}
