// Package persistence is the SQLite-backed persistence sink. It exposes
// upsert-by-key operations for each canonical entity kind and simple
// appends for the append-only logs; the pipeline never depends on triggers
// or secondary indexing beyond reading back what was last upserted.
package persistence

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridianlab/wabridge/pkg/logger"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = fmt.Errorf("persistence: not found")

// Store is the single SQLite store behind every per-consumer interface
// (identity.AliasStore, normalize.Store, media.Store, ...).
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pipeline writes from a handful of goroutines; SQLite wants one
	// writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.InfoCF("store", "Database ready", map[string]interface{}{"path": path})
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT NOT NULL,
		chat_jid   TEXT NOT NULL,
		sender_jid TEXT NOT NULL DEFAULT '',
		sender_alt TEXT NOT NULL DEFAULT '',
		from_me    INTEGER NOT NULL DEFAULT 0,
		kind       TEXT NOT NULL DEFAULT 'unknown',
		body       TEXT NOT NULL DEFAULT '',
		quoted_id  TEXT NOT NULL DEFAULT '',
		media_id   TEXT NOT NULL DEFAULT '',
		has_media  INTEGER NOT NULL DEFAULT 0,
		is_edited  INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		is_starred INTEGER NOT NULL DEFAULT 0,
		timestamp  TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (chat_jid, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	`CREATE TABLE IF NOT EXISTS chats (
		jid          TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_at      TIMESTAMP,
		unread_count INTEGER NOT NULL DEFAULT 0,
		is_group     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		jid       TEXT PRIMARY KEY,
		push_name TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		jid          TEXT PRIMARY KEY,
		subject      TEXT NOT NULL DEFAULT '',
		owner_jid    TEXT NOT NULL DEFAULT '',
		participants INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		message_id    TEXT NOT NULL,
		recipient_jid TEXT NOT NULL,
		chat_jid      TEXT NOT NULL DEFAULT '',
		status        INTEGER NOT NULL,
		timestamp     TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, recipient_jid)
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id            TEXT PRIMARY KEY,
		message_id    TEXT NOT NULL,
		chat_jid      TEXT NOT NULL DEFAULT '',
		mime_type     TEXT NOT NULL DEFAULT '',
		declared_size INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'pending',
		status_reason TEXT NOT NULL DEFAULT '',
		file_path     TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS presence_log (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		jid       TEXT NOT NULL,
		state     TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS call_log (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id    TEXT NOT NULL,
		chat_jid   TEXT NOT NULL DEFAULT '',
		caller_jid TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT '',
		is_video   INTEGER NOT NULL DEFAULT 0,
		timestamp  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identity_aliases (
		lid_jid   TEXT PRIMARY KEY,
		phone_jid TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id           TEXT PRIMARY KEY,
		url          TEXT NOT NULL,
		secret       TEXT NOT NULL DEFAULT '',
		event_filter TEXT NOT NULL DEFAULT '*',
		active       INTEGER NOT NULL DEFAULT 1,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
