// Package store is the SQLite-backed SessionStore: it persists every
// entity a relay deployment needs (poll cursor, session mappings, workspace bindings,
// scheduled messages, delivery acks, startup acks) plus the supplemental
// RecurringSchedule rows, behind the relay package's capability interfaces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/relaycore/internal/relay"
)

const (
	schemaVersion1  = 1
	schemaChecksum1 = "relaycore-v1-2026-07-30-core-entities"

	schemaVersionLatest  = schemaVersion1
	schemaChecksumLatest = schemaChecksum1
)

// Store is the concrete SessionStore implementation. It implements every
// capability interface in internal/relay/store_types.go, so relay
// components always find the full set — type assertions there exist so
// relay can also run against a store that implements only a subset (the
// explicit capability-interface design).
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional SQLite path under the user's home
// directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relaycore", "relaycore.db")
}

// Open opens (creating if absent) the SQLite database at path, configures
// WAL + busy-timeout pragmas, and runs the schema migration ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for diagnostics/tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var currentVersion int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if currentVersion > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", currentVersion, schemaVersionLatest)
	}

	if currentVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, currentVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch at version %d: have %q, want %q", currentVersion, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// tableStatements and indexStatements are the phase-1/phase-2 DDL split
// this store uses: tables first, then indexes — recommended
// indexes for the lookups relay components actually run (session mappings by lastUsedAt; workspace
// history by (topicKey, lastUsedAt); scheduled messages by
// (status, sendAt); delivery acks by id, which SQLite already indexes via
// the primary key).
var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS poll_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cursor INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		last_used_at DATETIME NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('active', 'stale'))
	);`,
	`CREATE TABLE IF NOT EXISTS workspace_active (
		topic_key TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS workspace_history (
		topic_key TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		last_used_at DATETIME NOT NULL,
		PRIMARY KEY (topic_key, workspace_path)
	);`,
	`CREATE TABLE IF NOT EXISTS scheduled_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		thread_id TEXT,
		text TEXT NOT NULL,
		send_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('pending', 'sent')),
		delivered_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		last_error TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS pending_delivery_acks (
		id INTEGER PRIMARY KEY,
		chat_id TEXT NOT NULL,
		delivered_at DATETIME NOT NULL,
		next_attempt_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS pending_startup_ack (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		chat_id TEXT NOT NULL,
		thread_id TEXT,
		requested_at DATETIME NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS recurring_schedules (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		thread_id TEXT,
		text TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		next_run_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		detail TEXT,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used_at);`,
	`CREATE INDEX IF NOT EXISTS idx_workspace_history_topic_last_used ON workspace_history(topic_key, last_used_at);`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_status_send_at ON scheduled_messages(status, send_at);`,
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's 5s
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// threadIDToColumn renders a ThreadID for storage: NULL for an explicit
// null thread, the string value otherwise. Unset should never reach
// storage — every persisted row has a definite thread id or an explicit
// null (the distinction only matters at send time).
func threadIDToColumn(t relay.ThreadID) sql.NullString {
	if id, ok := t.Value(); ok {
		return sql.NullString{String: id, Valid: true}
	}
	return sql.NullString{}
}

func columnToThreadID(ns sql.NullString) relay.ThreadID {
	if ns.Valid {
		return relay.ValueThreadID(ns.String)
	}
	return relay.NullThreadID()
}

// NewID returns a fresh non-monotonic identifier for entities that don't
// need a monotonic key (e.g. RecurringSchedule.ID).
func NewID() string {
	return uuid.NewString()
}

var (
	_ relay.CursorCapability            = (*Store)(nil)
	_ relay.SessionCapability           = (*Store)(nil)
	_ relay.WorkspaceCapability         = (*Store)(nil)
	_ relay.StartupAckCapability        = (*Store)(nil)
	_ relay.ScheduledMessageCapability  = (*Store)(nil)
	_ relay.DeliveryAckCapability       = (*Store)(nil)
	_ relay.RecurringScheduleCapability = (*Store)(nil)
	_ relay.PingCapability              = (*Store)(nil)
)
