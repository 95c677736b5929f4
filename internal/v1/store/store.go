// Package store owns the embedded SQLite database: lifecycle,
// migrations, and the transaction helper the stateful services build
// on.
//
// Migration design: SQL statements are kept in the [migrations] slice
// as ordered strings. Each is applied exactly once; the applied version
// is tracked in the schema_migrations table. To add a migration, append
// a new string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. Timestamps are
// stored as integer unix milliseconds.
var migrations = []string{
	// v1 — anonymous principals; public_id is the only id exposed
	`CREATE TABLE IF NOT EXISTS principals (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		public_id      TEXT NOT NULL UNIQUE,
		hashed_address TEXT NOT NULL UNIQUE,
		display_name   TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	)`,
	// v2 — fixed room set, occupancy maintained transactionally
	`CREATE TABLE IF NOT EXISTS rooms (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL UNIQUE,
		capacity  INTEGER NOT NULL CHECK (capacity > 0),
		occupancy INTEGER NOT NULL DEFAULT 0 CHECK (occupancy >= 0),
		locked    INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — memberships; the UNIQUE on principal_id is the teeth behind
	// the one-active-room invariant
	`CREATE TABLE IF NOT EXISTS memberships (
		room_id      TEXT NOT NULL REFERENCES rooms(id),
		principal_id INTEGER NOT NULL UNIQUE REFERENCES principals(id) ON DELETE CASCADE,
		joined_at    INTEGER NOT NULL,
		video_on     INTEGER NOT NULL DEFAULT 0,
		audio_on     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, principal_id)
	)`,
	// v4 — append-only chat log
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id      TEXT NOT NULL REFERENCES rooms(id),
		principal_id INTEGER NOT NULL REFERENCES principals(id),
		content      TEXT NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	// v5 — history reads are (room, recency) scans
	`CREATE INDEX IF NOT EXISTS idx_chat_room_id ON chat_messages(room_id, id)`,
	// v6 — idle eviction scans by last activity
	`CREATE INDEX IF NOT EXISTS idx_principals_last_active ON principals(last_active_at)`,
}

// Store wraps the SQLite database and exposes the transaction helper
// used by identity, registry, and journal.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
// File-backed databases open with _txlock=immediate so every write
// transaction takes the write lock at BEGIN; combined with busy_timeout
// this makes room rows an honest serialization point.
func New(path string) (*Store, error) {
	dsn := path
	maxConns := 4
	if path == ":memory:" {
		// A second connection to ":memory:" would open a second database.
		maxConns = 1
	} else {
		dsn = "file:" + path + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	// WAL lets readers proceed while a writer holds the lock.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		logging.Warn(context.Background(), "enabling WAL mode failed", zap.Error(err))
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logging.Warn(context.Background(), "setting busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		logging.Warn(context.Background(), "enabling foreign keys failed", zap.Error(err))
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies
// any migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		logging.Info(context.Background(), "applied migration", zap.Int("version", v))
	}
	return nil
}

const (
	txMaxAttempts = 3
	txRetryBase   = 25 * time.Millisecond
)

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error. SQLITE_BUSY and SQLITE_LOCKED are retried up to three
// attempts with jittered sleeps; every other error surfaces unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsTransient(err) || attempt == txMaxAttempts {
			return err
		}
		metrics.StoreTxRetries.Inc()

		jitter := txRetryBase*time.Duration(attempt) + time.Duration(rand.Int63n(int64(txRetryBase)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn(ctx, "transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// IsTransient reports whether the error is a lock-contention failure
// worth retrying.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// NowMillis is the storage representation of time: integer unix
// milliseconds, UTC on the way back out.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back to time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
