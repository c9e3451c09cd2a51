package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agritrace/offsync/internal/offline/model"
)

// GetCacheEntry returns the entry for key, or model.ErrNotFound.
func (db *DB) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var (
		entry     model.CacheEntry
		payload   string
		writtenAt int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT key, payload, written_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&entry.Key, &payload, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	entry.Payload = []byte(payload)
	entry.WrittenAt = fromNanos(writtenAt)
	return &entry, nil
}

// PutCacheEntry replaces the entry for key in a single statement.
func (db *DB) PutCacheEntry(ctx context.Context, entry *model.CacheEntry) error {
	query := `
	INSERT INTO cache_entries (key, payload, written_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		payload = excluded.payload,
		written_at = excluded.written_at
	`
	if _, err := db.conn.ExecContext(ctx, query, entry.Key, string(entry.Payload), nanos(entry.WrittenAt)); err != nil {
		return fmt.Errorf("failed to put cache entry %s: %w", entry.Key, classify(err))
	}
	return nil
}

// DeleteCachePrefix removes every entry whose key starts with prefix and
// returns how many were removed. The prefix is matched literally.
func (db *DB) DeleteCachePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache prefix %s: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read invalidated count: %w", err)
	}
	return int(n), nil
}

// ClearCache removes every cache entry.
func (db *DB) ClearCache(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
