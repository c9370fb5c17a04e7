// Package cache stores the most recently fetched page of feed content per
// partition, for instant display before or without a network round-trip.
// It is a last-known-good snapshot cache, never a source of truth: reads
// degrade to an empty page rather than surfacing storage errors.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/store/syncdb"
	"github.com/campusfeed/feed-sync/telemetry"
)

// Cache is the per-partition page cache over the sync store.
type Cache struct {
	db     syncdb.SyncDB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a page cache over the given store.
func New(db syncdb.SyncDB, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put overwrites the stored page for the partition with the given items
// and the current timestamp. Storage errors are logged, not returned: a
// failed cache write only costs the next offline display, never data.
func (c *Cache) Put(ctx context.Context, partitionKey string, items []feedsync.Post) {
	payload, err := json.Marshal(items)
	if err != nil {
		c.logger.Error("failed to encode page items", "partition", partitionKey, "error", err)
		telemetry.RecordCacheWrite(ctx, "error")
		return
	}

	rec := &syncdb.PageRecord{
		PartitionKey:    partitionKey,
		Payload:         payload,
		FetchedAtUnixMs: c.now().UnixMilli(),
		ItemCount:       len(items),
	}

	if err := c.db.PutPage(ctx, rec); err != nil {
		c.logger.Error("failed to store page", "partition", partitionKey, "error", err)
		telemetry.RecordCacheWrite(ctx, "error")
		return
	}

	telemetry.RecordCacheWrite(ctx, "ok")
	c.logger.Debug("cached page",
		"partition", partitionKey,
		"items", len(items),
		"digest", feedsync.DigestBytes(payload).ShortString())
}

// Get returns the most recently stored items for the partition, or an
// empty slice if nothing is cached or the stored record cannot be read.
// It never touches the network.
func (c *Cache) Get(ctx context.Context, partitionKey string) []feedsync.Post {
	items, _, ok := c.lookup(ctx, partitionKey)
	if !ok {
		return []feedsync.Post{}
	}
	return items
}

// FetchedAt returns when the partition's page was stored, if one exists.
func (c *Cache) FetchedAt(ctx context.Context, partitionKey string) (time.Time, bool) {
	rec, err := c.db.GetPage(ctx, partitionKey)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(rec.FetchedAtUnixMs), true
}

func (c *Cache) lookup(ctx context.Context, partitionKey string) ([]feedsync.Post, time.Time, bool) {
	rec, err := c.db.GetPage(ctx, partitionKey)
	if err != nil {
		if errors.Is(err, syncdb.ErrNotFound) {
			telemetry.RecordCacheRead(ctx, "miss")
			return nil, time.Time{}, false
		}
		c.logger.Warn("failed to read cached page", "partition", partitionKey, "error", err)
		telemetry.RecordCacheRead(ctx, "error")
		return nil, time.Time{}, false
	}

	var items []feedsync.Post
	if err := json.Unmarshal(rec.Payload, &items); err != nil {
		c.logger.Warn("corrupt cached page, returning empty", "partition", partitionKey, "error", err)
		telemetry.RecordCacheRead(ctx, "error")
		return nil, time.Time{}, false
	}

	telemetry.RecordCacheRead(ctx, "hit")
	return items, time.UnixMilli(rec.FetchedAtUnixMs), true
}
