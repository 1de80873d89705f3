// Package store provides the embedded sqlite persistence layer for
// nanoclaw: chats, messages, sessions, registered groups, scheduled tasks,
// task run logs, router cursors, and key/value settings.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite database connection.
type Store struct {
	db *sql.DB
}

// TimestampLayout is the canonical message timestamp format. UTC with
// millisecond precision so lexicographic order equals chronological order;
// cursors are compared as strings.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders a time in the canonical cursor format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema and column upgrades. The base schema is
// idempotent via IF NOT EXISTS; upgrades add columns and treat "duplicate
// column" errors as already-applied.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	upgrades := []string{
		`ALTER TABLE registered_groups ADD COLUMN requires_trigger INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE registered_groups ADD COLUMN sandbox_config TEXT`,
		`ALTER TABLE scheduled_tasks ADD COLUMN context_mode TEXT NOT NULL DEFAULT 'group'`,
	}
	for _, stmt := range upgrades {
		if _, err := s.db.Exec(stmt); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("upgrade schema: %w", err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id      TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	last_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id     TEXT NOT NULL,
	id          TEXT NOT NULL,
	sender_id   TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	timestamp   TEXT NOT NULL,
	from_self   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS registered_groups (
	chat_id  TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	folder   TEXT NOT NULL UNIQUE,
	trigger  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	folder     TEXT PRIMARY KEY,
	session_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_id        TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	next_run       TEXT,
	last_run       TEXT,
	last_result    TEXT,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	run_at      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT
);

CREATE TABLE IF NOT EXISTS router_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
