package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the shared handle over the Activity Store's SQLite database.
// One *sql.DB backs every entity; sub-accessors are plain methods on
// this type rather than separate per-entity stores, since §3's
// cross-entity operations (e.g. report-then-stats) must share a
// transaction scope.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only tolerates one writer; cap the pool at one connection so
	// concurrent collector fan-out queues for it in database/sql rather
	// than surfacing lock contention as failed writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components (e.g. opstate) that need a
// shared connection but own their own schema.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		handle        TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		preferences_json TEXT NOT NULL DEFAULT '{}',
		api_token     TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_token
		ON users(api_token) WHERE api_token != '';

	CREATE TABLE IF NOT EXISTS subscriptions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		repo_ref        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		cadence         TEXT NOT NULL DEFAULT 'daily',
		watches_json    TEXT NOT NULL DEFAULT '[]',
		filters_json    TEXT NOT NULL DEFAULT '{}',
		delivery_json   TEXT NOT NULL DEFAULT '{}',
		last_sync_at    TEXT,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_owner_status
		ON subscriptions(owner_user_id, status);

	CREATE TABLE IF NOT EXISTS activities (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id   INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		kind              TEXT NOT NULL,
		external_id       TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		body              TEXT NOT NULL DEFAULT '',
		url               TEXT NOT NULL DEFAULT '',
		author_login      TEXT NOT NULL DEFAULT '',
		author_display    TEXT NOT NULL DEFAULT '',
		author_avatar     TEXT NOT NULL DEFAULT '',
		labels_json       TEXT NOT NULL DEFAULT '[]',
		state             TEXT NOT NULL DEFAULT '',
		extras_json       TEXT NOT NULL DEFAULT '{}',
		source_created_at TEXT NOT NULL,
		source_updated_at TEXT NOT NULL,
		ingested_at       TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_identity
		ON activities(subscription_id, kind, external_id);
	CREATE INDEX IF NOT EXISTS idx_activities_sub_created
		ON activities(subscription_id, source_created_at DESC);

	CREATE TABLE IF NOT EXISTS reports (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		subscription_ids_json TEXT NOT NULL DEFAULT '[]',
		title               TEXT NOT NULL DEFAULT '',
		kind                TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending',
		format              TEXT NOT NULL DEFAULT 'markdown',
		period_start        TEXT NOT NULL,
		period_end          TEXT NOT NULL,
		summary             TEXT NOT NULL DEFAULT '',
		body                TEXT NOT NULL DEFAULT '',
		ai_analysis         TEXT NOT NULL DEFAULT '',
		stats_json          TEXT NOT NULL DEFAULT '{}',
		error               TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL,
		generated_at        TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_owner_created
		ON reports(owner_user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS task_executions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		kind          TEXT NOT NULL,
		status        TEXT NOT NULL,
		started_at    TEXT NOT NULL,
		finished_at   TEXT,
		duration_sec  REAL NOT NULL DEFAULT 0,
		success       INTEGER NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		processed     INTEGER NOT NULL DEFAULT 0,
		details_json  TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_executions_name ON task_executions(name);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON task_executions(status);

	-- Enforces at-most-one-in-flight at the database level: two
	-- concurrent inserts for the same job name in status running race
	-- a unique constraint instead of the check-then-insert in
	-- scheduler.RunNow/SubmitOneShot.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_running
		ON task_executions(name) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS notification_rules (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id   INTEGER REFERENCES users(id) ON DELETE CASCADE,
		kind            TEXT NOT NULL,
		conditions_json TEXT NOT NULL DEFAULT '{}',
		actions_json    TEXT NOT NULL DEFAULT '{}',
		enabled         INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notification_rules_owner
		ON notification_rules(owner_user_id);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id            TEXT PRIMARY KEY,
		job_key       TEXT NOT NULL UNIQUE,
		schedule_kind TEXT NOT NULL,
		at            TEXT,
		every_sec     INTEGER,
		cron_expr     TEXT NOT NULL DEFAULT '',
		timezone      TEXT NOT NULL DEFAULT 'UTC',
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
