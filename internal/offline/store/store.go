// Package store provides SQLite persistence for the offline sync subsystem.
//
// The database runs in embedded mode (ncruces/go-sqlite3, no cgo) with WAL
// so readers never block the sync pass. It holds the three durable stores:
//
//   - operations: the ordered queue of not-yet-confirmed writes
//   - cache_entries: last-known-good resource snapshots with write timestamps
//   - manual_conflicts: escalated conflicts keyed by operation id
//
// plus small meta and credentials tables. Every write is a single statement
// or a transaction, so a crash never leaves a row partially written.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Options tunes how the database is opened.
type Options struct {
	// MaxPages caps the database size in pages (PRAGMA max_page_count).
	// Writes beyond the cap fail with model.ErrStorageQuotaExceeded.
	// Zero leaves SQLite's default.
	MaxPages int

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{BusyTimeout: 5 * time.Second}
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".offsync/offsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, DefaultOptions())
}

// OpenWithOptions opens the database with custom options and initializes the schema.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, opts.BusyTimeout.Milliseconds())
	if opts.MaxPages > 0 {
		dsn += fmt.Sprintf("&_pragma=max_page_count(%d)", opts.MaxPages)
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Durable queue; seq is the replay order
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL,  -- unix nanos
		retries INTEGER NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		written_at INTEGER NOT NULL  -- unix nanos
	);

	CREATE TABLE IF NOT EXISTS manual_conflicts (
		operation_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,  -- JSON encoded model.Operation
		server TEXT,
		strategy TEXT NOT NULL,
		stored_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at INTEGER  -- unix nanos, NULL = never
	);

	CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_conflicts_stored ON manual_conflicts(stored_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", classify(err))
	}

	return nil
}

// classify maps driver errors onto the model error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sqlite3.FULL) {
		return fmt.Errorf("%w: %v", model.ErrStorageQuotaExceeded, err)
	}
	return err
}

// Stats summarizes the contents of the durable stores.
type Stats struct {
	Operations int `json:"operations" yaml:"operations"`
	CacheItems int `json:"cache_entries" yaml:"cache_entries"`
	Conflicts  int `json:"manual_conflicts" yaml:"manual_conflicts"`
}

// GetStats returns row counts for the durable stores.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	query := `
	SELECT
		(SELECT COUNT(*) FROM operations),
		(SELECT COUNT(*) FROM cache_entries),
		(SELECT COUNT(*) FROM manual_conflicts)
	`
	if err := db.conn.QueryRowContext(ctx, query).Scan(&s.Operations, &s.CacheItems, &s.Conflicts); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &s, nil
}

// SetMeta stores a key/value pair in the meta table.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, classify(err))
	}
	return nil
}

// GetMeta returns the value for key, or model.ErrNotFound.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawFromNull(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
