package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
)

// NotificationRule kind values.
const (
	RuleActivity  = "activity"
	RuleThreshold = "threshold"
	RuleSchedule  = "schedule"
	RuleAIInsight = "aiInsight"
)

// NotificationRule gates which events the Notification Engine (§4.E)
// turns into actions. OwnerUserID is nil for a system rule, which
// applies across every user's events.
type NotificationRule struct {
	ID          int64            `json:"id"`
	OwnerUserID *int64           `json:"ownerUserId"`
	Kind        string           `json:"kind"`
	Conditions  RuleConditions   `json:"conditions"`
	Actions     RuleActions      `json:"actions"`
	Enabled     bool             `json:"enabled"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// RuleConditions narrows which events a rule matches. A populated list
// must contain the checked value for the rule to match; an empty list
// is a wildcard that matches anything.
type RuleConditions struct {
	EventKinds []string           `json:"eventKinds,omitempty"`
	Repos      []string           `json:"repos,omitempty"`
	Authors    []string           `json:"authors,omitempty"`
	Keywords   []string           `json:"keywords,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// RuleActions declares what happens when a rule matches.
type RuleActions struct {
	Realtime         bool     `json:"realtime"`
	Email            bool     `json:"email"`
	ExternalChannels []string `json:"externalChannels,omitempty"`
}

// CreateNotificationRule inserts a new rule.
func (s *Store) CreateNotificationRule(r NotificationRule) (NotificationRule, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	conditionsJSON, actionsJSON, err := marshalRule(r)
	if err != nil {
		return NotificationRule{}, err
	}

	res, err := s.db.Exec(`
		INSERT INTO notification_rules (owner_user_id, kind, conditions_json, actions_json, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, formatNullInt64Ptr(r.OwnerUserID), r.Kind, conditionsJSON, actionsJSON, boolToInt(r.Enabled), r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return NotificationRule{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NotificationRule{}, err
	}
	r.ID = id
	return r, nil
}

func marshalRule(r NotificationRule) (conditions, actions string, err error) {
	c, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("marshal conditions: %w", err)
	}
	a, err := json.Marshal(r.Actions)
	if err != nil {
		return "", "", fmt.Errorf("marshal actions: %w", err)
	}
	return string(c), string(a), nil
}

// GetNotificationRule retrieves a rule by ID.
func (s *Store) GetNotificationRule(id int64) (NotificationRule, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_user_id, kind, conditions_json, actions_json, enabled, created_at
		FROM notification_rules WHERE id = ?
	`, id)
	r, err := scanRuleLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRule{}, apierr.NotFound("notification_rule", id)
	}
	return r, err
}

// ListRulesForUser returns every rule enabled for a user's events: the
// user's own rules plus any system rules (OwnerUserID IS NULL).
func (s *Store) ListRulesForUser(userID int64) ([]NotificationRule, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_user_id, kind, conditions_json, actions_json, enabled, created_at
		FROM notification_rules
		WHERE enabled = 1 AND (owner_user_id = ? OR owner_user_id IS NULL)
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRule
	for rows.Next() {
		r, err := scanRuleLike(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateNotificationRule replaces a rule's mutable fields.
func (s *Store) UpdateNotificationRule(r NotificationRule) error {
	conditionsJSON, actionsJSON, err := marshalRule(r)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE notification_rules SET kind = ?, conditions_json = ?, actions_json = ?, enabled = ?
		WHERE id = ?
	`, r.Kind, conditionsJSON, actionsJSON, boolToInt(r.Enabled), r.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "notification_rule", r.ID)
}

// DeleteNotificationRule removes a rule.
func (s *Store) DeleteNotificationRule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM notification_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "notification_rule", id)
}

func scanRuleLike(sc rowScanner) (NotificationRule, error) {
	var r NotificationRule
	var ownerUserID sql.NullInt64
	var conditionsJSON, actionsJSON, createdAt string
	var enabled int

	if err := sc.Scan(&r.ID, &ownerUserID, &r.Kind, &conditionsJSON, &actionsJSON, &enabled, &createdAt); err != nil {
		return NotificationRule{}, err
	}

	if ownerUserID.Valid {
		v := ownerUserID.Int64
		r.OwnerUserID = &v
	}
	r.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(conditionsJSON), &r.Conditions); err != nil {
		return NotificationRule{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &r.Actions); err != nil {
		return NotificationRule{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return r, nil
}

func formatNullInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
