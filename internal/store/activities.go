package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
)

// UpsertActivity inserts a candidate Activity if its
// (subscriptionId, kind, externalId) key is absent, or updates the
// mutable fields (title, body, state, labels, sourceUpdatedAt, extras)
// if present. The whole operation runs in one transaction so
// concurrent upserts of the same key converge to a single row — the
// unique index on (subscription_id, kind, external_id) is the
// enforcement mechanism; SQLite serializes the conflicting writers.
func (s *Store) UpsertActivity(a Activity) (UpsertResult, error) {
	labelsJSON, err := json.Marshal(a.Labels)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshal labels: %w", err)
	}
	extrasJSON, err := json.Marshal(a.Extras)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshal extras: %w", err)
	}
	if a.IngestedAt.IsZero() {
		a.IngestedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRow(`
		SELECT id FROM activities WHERE subscription_id = ? AND kind = ? AND external_id = ?
	`, a.SubscriptionID, a.Kind, a.ExternalID).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := tx.Exec(`
			INSERT INTO activities (subscription_id, kind, external_id, title, body, url,
				author_login, author_display, author_avatar, labels_json, state, extras_json,
				source_created_at, source_updated_at, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.SubscriptionID, a.Kind, a.ExternalID, a.Title, a.Body, a.URL,
			a.Author.Login, a.Author.DisplayName, a.Author.Avatar, string(labelsJSON), a.State, string(extrasJSON),
			a.SourceCreatedAt.Format(time.RFC3339Nano), a.SourceUpdatedAt.Format(time.RFC3339Nano), a.IngestedAt.Format(time.RFC3339Nano))
		if insErr != nil {
			return UpsertResult{}, insErr
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return UpsertResult{}, idErr
		}
		a.ID = id
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Inserted: true, Activity: a}, nil

	case err != nil:
		return UpsertResult{}, err

	default:
		a.ID = existingID
		_, updErr := tx.Exec(`
			UPDATE activities SET title = ?, body = ?, state = ?, labels_json = ?, extras_json = ?, source_updated_at = ?
			WHERE id = ?
		`, a.Title, a.Body, a.State, string(labelsJSON), string(extrasJSON), a.SourceUpdatedAt.Format(time.RFC3339Nano), existingID)
		if updErr != nil {
			return UpsertResult{}, updErr
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Inserted: false, Activity: a}, nil
	}
}

// GetActivity retrieves a single activity by ID, used by the
// Notification Engine to resolve a NewActivity event's payload.
func (s *Store) GetActivity(id int64) (Activity, error) {
	rows, err := s.db.Query(`
		SELECT id, subscription_id, kind, external_id, title, body, url,
			author_login, author_display, author_avatar, labels_json, state, extras_json,
			source_created_at, source_updated_at, ingested_at
		FROM activities WHERE id = ?
	`, id)
	if err != nil {
		return Activity{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return Activity{}, apierr.NotFound("activity", id)
	}
	return scanActivity(rows)
}

// ListActivitiesBySubscription returns activities for a subscription,
// newest first, bounded by limit (0 means no limit).
func (s *Store) ListActivitiesBySubscription(subscriptionID int64, limit int) ([]Activity, error) {
	query := `
		SELECT id, subscription_id, kind, external_id, title, body, url,
			author_login, author_display, author_avatar, labels_json, state, extras_json,
			source_created_at, source_updated_at, ingested_at
		FROM activities WHERE subscription_id = ?
		ORDER BY source_created_at DESC
	`
	args := []any{subscriptionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActivitiesSince returns per-kind counts of activities for the
// given subscriptions whose upstream creation time (source_created_at)
// is at or after since, used by the Report Orchestrator's ingest stage.
func (s *Store) CountActivitiesSince(subscriptionIDs []int64, since time.Time) (ReportStats, error) {
	stats := ReportStats{Repos: len(subscriptionIDs)}
	if len(subscriptionIDs) == 0 {
		return stats, nil
	}

	placeholders := make([]byte, 0, len(subscriptionIDs)*2)
	args := make([]any, 0, len(subscriptionIDs)+1)
	for i, id := range subscriptionIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	args = append(args, since.Format(time.RFC3339Nano))

	query := fmt.Sprintf(`
		SELECT kind, COUNT(*) FROM activities
		WHERE subscription_id IN (%s) AND source_created_at >= ?
		GROUP BY kind
	`, string(placeholders))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, err
		}
		stats.Activities += count
		switch kind {
		case ActivityCommit:
			stats.Commits = count
		case ActivityIssue:
			stats.Issues = count
		case ActivityPullRequest:
			stats.PRs = count
		case ActivityRelease:
			stats.Releases = count
		}
	}
	return stats, rows.Err()
}

// CountActivities returns the total number of ingested activities, for
// the dashboard's aggregate stats endpoint.
func (s *Store) CountActivities() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&n)
	return n, err
}

func scanActivity(rows *sql.Rows) (Activity, error) {
	var a Activity
	var labelsJSON, extrasJSON, sourceCreatedAt, sourceUpdatedAt, ingestedAt string

	err := rows.Scan(&a.ID, &a.SubscriptionID, &a.Kind, &a.ExternalID, &a.Title, &a.Body, &a.URL,
		&a.Author.Login, &a.Author.DisplayName, &a.Author.Avatar, &labelsJSON, &a.State, &extrasJSON,
		&sourceCreatedAt, &sourceUpdatedAt, &ingestedAt)
	if err != nil {
		return Activity{}, err
	}

	if err := json.Unmarshal([]byte(labelsJSON), &a.Labels); err != nil {
		return Activity{}, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(extrasJSON), &a.Extras); err != nil {
		return Activity{}, fmt.Errorf("unmarshal extras: %w", err)
	}
	a.SourceCreatedAt, _ = time.Parse(time.RFC3339Nano, sourceCreatedAt)
	a.SourceUpdatedAt, _ = time.Parse(time.RFC3339Nano, sourceUpdatedAt)
	a.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingestedAt)
	return a, nil
}
