package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/store/syncdb"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()

	db := syncdb.NewBoltDB(syncdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "sync.db")))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return New(db, opts...)
}

func posts(ids ...string) []feedsync.Post {
	out := make([]feedsync.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, feedsync.Post{
			ID:        id,
			Body:      "body of " + id,
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func TestPutGet_ReplacesNeverMerges(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	a := posts("a1", "a2", "a3")
	b := posts("b1", "b2")

	c.Put(ctx, "school:42", a)
	c.Put(ctx, "school:42", b)

	got := c.Get(ctx, "school:42")
	assert.Equal(t, b, got)
}

func TestGet_UnknownPartitionIsEmpty(t *testing.T) {
	c := newTestCache(t)

	got := c.Get(context.Background(), "school:never-fetched")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPut_IsolatedPerPartition(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	c.Put(ctx, "school:1", posts("a"))
	c.Put(ctx, "school:2", posts("b"))

	assert.Equal(t, posts("a"), c.Get(ctx, "school:1"))
	assert.Equal(t, posts("b"), c.Get(ctx, "school:2"))
}

func TestFetchedAt_TracksPutTime(t *testing.T) {
	ctx := context.Background()
	stored := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	c := newTestCache(t, WithNow(func() time.Time { return stored }))

	_, ok := c.FetchedAt(ctx, "school:42")
	assert.False(t, ok)

	c.Put(ctx, "school:42", posts("a"))

	got, ok := c.FetchedAt(ctx, "school:42")
	require.True(t, ok)
	assert.Equal(t, stored.UnixMilli(), got.UnixMilli())
}

func TestPut_EmptyPageOverwrites(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	c.Put(ctx, "school:42", posts("a"))
	c.Put(ctx, "school:42", nil)

	assert.Empty(t, c.Get(ctx, "school:42"))
}
