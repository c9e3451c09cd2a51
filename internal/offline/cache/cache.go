// Package cache provides the time-bounded local cache of resource snapshots.
//
// Entries are never partially written: a put replaces the whole row. An entry
// older than the TTL is stale but is still returned by Get; the caller decides
// whether to also attempt a live read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
)

// DefaultTTL is how long an entry stays fresh.
const DefaultTTL = 24 * time.Hour

// Cache is a read-through store of last-known-good payloads.
type Cache struct {
	db     *store.DB
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache backed by db.
func New(db *store.DB, opts ...Option) *Cache {
	c := &Cache{
		db:  db,
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached entry regardless of freshness, whether it is fresh,
// and whether anything was cached at all.
func (c *Cache) Get(ctx context.Context, key string) (entry *model.CacheEntry, fresh bool, err error) {
	entry, err = c.db.GetCacheEntry(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, entry.Fresh(c.now(), c.ttl), nil
}

// Put atomically replaces the entry for key with a fresh timestamp.
func (c *Cache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("failed to cache %s: %w", key, model.ErrSerialization)
	}
	entry := &model.CacheEntry{
		Key:       key,
		Payload:   payload,
		WrittenAt: c.now().UTC(),
	}
	return c.db.PutCacheEntry(ctx, entry)
}

// Invalidate removes every entry whose key starts with prefix.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int, error) {
	n, err := c.db.DeleteCachePrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Printf("Invalidated %d entries under %s", n, prefix)
	}
	return n, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.db.ClearCache(ctx)
}
