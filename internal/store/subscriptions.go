package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
)

var repoRefPattern = regexp.MustCompile(`^[^/]+/[^/]+$`)

// ValidateRepoRef enforces the "owner/name" shape required by §3's
// Subscription invariant.
func ValidateRepoRef(ref string) error {
	if !repoRefPattern.MatchString(ref) {
		return apierr.InvalidInput("repoRef %q must match owner/name", ref)
	}
	return nil
}

// CreateSubscription inserts a new subscription for an existing user.
// Returns apierr.KindConflict if the user already has a subscription
// for the same repoRef (duplicate ownership is a Conflict, not an
// idempotent-upsert case — see §7).
func (s *Store) CreateSubscription(sub Subscription) (Subscription, error) {
	if err := ValidateRepoRef(sub.RepoRef); err != nil {
		return Subscription{}, err
	}
	if _, err := s.GetUser(sub.OwnerUserID); err != nil {
		return Subscription{}, apierr.Wrap(apierr.KindInvalidInput, "ownerUserId must reference a live user", err)
	}

	var dup int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM subscriptions WHERE owner_user_id = ? AND repo_ref = ?
	`, sub.OwnerUserID, sub.RepoRef).Scan(&dup); err != nil {
		return Subscription{}, err
	}
	if dup > 0 {
		return Subscription{}, apierr.Conflict("subscription for %s already exists", sub.RepoRef)
	}

	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	if sub.Cadence == "" {
		sub.Cadence = CadenceDaily
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	watchesJSON, filtersJSON, deliveryJSON, err := marshalSubscription(sub)
	if err != nil {
		return Subscription{}, err
	}

	res, err := s.db.Exec(`
		INSERT INTO subscriptions (owner_user_id, repo_ref, status, cadence, watches_json, filters_json, delivery_json, last_sync_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.OwnerUserID, sub.RepoRef, sub.Status, sub.Cadence, watchesJSON, filtersJSON, deliveryJSON,
		formatNullTime(sub.LastSyncAt), sub.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Subscription{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Subscription{}, err
	}
	sub.ID = id
	return sub, nil
}

func marshalSubscription(sub Subscription) (watches, filters, delivery string, err error) {
	w, err := json.Marshal(sub.Watches)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal watches: %w", err)
	}
	f, err := json.Marshal(sub.Filters)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal filters: %w", err)
	}
	d, err := json.Marshal(sub.Delivery)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal delivery: %w", err)
	}
	return string(w), string(f), string(d), nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(id int64) (Subscription, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_user_id, repo_ref, status, cadence, watches_json, filters_json, delivery_json, last_sync_at, created_at
		FROM subscriptions WHERE id = ?
	`, id)
	sub, err := scanSubscriptionLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, apierr.NotFound("subscription", id)
	}
	return sub, err
}

// ListSubscriptionsByOwner returns all subscriptions owned by a user,
// optionally filtered to a single status (empty string means all).
func (s *Store) ListSubscriptionsByOwner(ownerUserID int64, status string) ([]Subscription, error) {
	query := `SELECT id, owner_user_id, repo_ref, status, cadence, watches_json, filters_json, delivery_json, last_sync_at, created_at
		FROM subscriptions WHERE owner_user_id = ?`
	args := []any{ownerUserID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionRows(rows)
}

// ListActiveSubscriptions returns every subscription whose status is
// active, for the Collector's sweep.
func (s *Store) ListActiveSubscriptions() ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_user_id, repo_ref, status, cadence, watches_json, filters_json, delivery_json, last_sync_at, created_at
		FROM subscriptions WHERE status = ?
	`, SubscriptionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptionRows(rows)
}

// UpdateSubscription replaces the mutable fields of an existing subscription.
func (s *Store) UpdateSubscription(sub Subscription) error {
	if err := ValidateRepoRef(sub.RepoRef); err != nil {
		return err
	}
	watchesJSON, filtersJSON, deliveryJSON, err := marshalSubscription(sub)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE subscriptions SET repo_ref = ?, status = ?, cadence = ?, watches_json = ?, filters_json = ?, delivery_json = ?
		WHERE id = ?
	`, sub.RepoRef, sub.Status, sub.Cadence, watchesJSON, filtersJSON, deliveryJSON, sub.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "subscription", sub.ID)
}

// AdvanceLastSync monotonically sets lastSyncAt := max(lastSyncAt, ts).
// Runs inside its own transaction so a crash mid-advance never leaves
// lastSyncAt moved backward.
func (s *Store) AdvanceLastSync(subscriptionID int64, ts time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current sql.NullString
	if err := tx.QueryRow(`SELECT last_sync_at FROM subscriptions WHERE id = ?`, subscriptionID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.NotFound("subscription", subscriptionID)
		}
		return err
	}

	next := ts
	if current.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, current.String); err == nil && parsed.After(ts) {
			next = parsed
		}
	}

	if _, err := tx.Exec(`UPDATE subscriptions SET last_sync_at = ? WHERE id = ?`, next.Format(time.RFC3339Nano), subscriptionID); err != nil {
		return err
	}
	return tx.Commit()
}

// CountSubscriptions returns the total number of subscriptions, for the
// dashboard's aggregate stats endpoint.
func (s *Store) CountSubscriptions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&n)
	return n, err
}

// DeleteSubscription removes a subscription and cascades to its activities.
func (s *Store) DeleteSubscription(id int64) error {
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "subscription", id)
}

func scanSubscriptionRows(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscriptionLike(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscriptionLike(sc rowScanner) (Subscription, error) {
	var sub Subscription
	var watchesJSON, filtersJSON, deliveryJSON, createdAt string
	var lastSyncAt sql.NullString

	if err := sc.Scan(&sub.ID, &sub.OwnerUserID, &sub.RepoRef, &sub.Status, &sub.Cadence,
		&watchesJSON, &filtersJSON, &deliveryJSON, &lastSyncAt, &createdAt); err != nil {
		return Subscription{}, err
	}

	if err := json.Unmarshal([]byte(watchesJSON), &sub.Watches); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal watches: %w", err)
	}
	if err := json.Unmarshal([]byte(filtersJSON), &sub.Filters); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal([]byte(deliveryJSON), &sub.Delivery); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal delivery: %w", err)
	}

	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSyncAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSyncAt.String)
		if err == nil {
			sub.LastSyncAt = &t
		}
	}
	return sub, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
