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

// CreateUser inserts a new user and returns it with its assigned ID. A
// fresh bearer token is minted unless the caller already set one.
func (s *Store) CreateUser(u User) (User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Preferences.ChannelToggles == nil {
		u.Preferences.ChannelToggles = map[string]bool{}
	}
	if u.APIToken == "" {
		u.APIToken = uuid.NewString()
	}
	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return User{}, fmt.Errorf("marshal preferences: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO users (handle, email, display_name, active, created_at, preferences_json, api_token)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.Handle, u.Email, u.DisplayName, boolToInt(u.Active), u.CreatedAt.Format(time.RFC3339Nano), string(prefsJSON), u.APIToken)
	if err != nil {
		return User{}, apierr.Wrap(apierr.KindConflict, "create user", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	u.ID = id
	return u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(id int64) (User, error) {
	row := s.db.QueryRow(`
		SELECT id, handle, email, display_name, active, created_at, preferences_json, api_token
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByHandle retrieves a user by handle. Returns apierr.KindNotFound
// if absent.
func (s *Store) GetUserByHandle(handle string) (User, error) {
	row := s.db.QueryRow(`
		SELECT id, handle, email, display_name, active, created_at, preferences_json, api_token
		FROM users WHERE handle = ?
	`, handle)
	return scanUser(row)
}

// GetUserByToken retrieves a user by bearer token, for API and websocket
// authentication. Returns apierr.KindNotFound if the token is unknown or
// empty.
func (s *Store) GetUserByToken(token string) (User, error) {
	if token == "" {
		return User{}, apierr.NotFound("user", "")
	}
	row := s.db.QueryRow(`
		SELECT id, handle, email, display_name, active, created_at, preferences_json, api_token
		FROM users WHERE api_token = ?
	`, token)
	return scanUser(row)
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`
		SELECT id, handle, email, display_name, active, created_at, preferences_json, api_token
		FROM users ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUser updates the mutable fields of an existing user.
func (s *Store) UpdateUser(u User) error {
	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE users SET email = ?, display_name = ?, active = ?, preferences_json = ?
		WHERE id = ?
	`, u.Email, u.DisplayName, boolToInt(u.Active), string(prefsJSON), u.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "user", u.ID)
}

// DeleteUser removes a user and cascades to their subscriptions,
// activities, and reports.
func (s *Store) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "user", id)
}

// CountUsers returns the total number of users, for the dashboard's
// stats endpoint.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (User, error) {
	u, err := scanUserRowLike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apierr.NotFound("user", "?")
	}
	return u, err
}

func scanUserRow(rows *sql.Rows) (User, error) {
	return scanUserRowLike(rows)
}

func scanUserRowLike(sc rowScanner) (User, error) {
	var u User
	var active int
	var createdAt, prefsJSON string

	if err := sc.Scan(&u.ID, &u.Handle, &u.Email, &u.DisplayName, &active, &createdAt, &prefsJSON, &u.APIToken); err != nil {
		return User{}, err
	}

	u.Active = active == 1
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(prefsJSON), &u.Preferences); err != nil {
		return User{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.NotFound(entity, id)
	}
	return nil
}
