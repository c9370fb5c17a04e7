package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/cache"
	"github.com/campusfeed/feed-sync/connectivity"
	"github.com/campusfeed/feed-sync/queue"
	"github.com/campusfeed/feed-sync/retry"
	"github.com/campusfeed/feed-sync/store/syncdb"
	"github.com/campusfeed/feed-sync/syncer"
)

// stubBackend implements syncer.Submitter and syncer.PageFetcher.
type stubBackend struct {
	mu        sync.Mutex
	submitErr error
	submitted int
	pages     map[string][]feedsync.Post
}

func (b *stubBackend) SubmitPost(context.Context, feedsync.Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	b.submitted++
	return nil
}

func (b *stubBackend) FetchPage(_ context.Context, key string) ([]feedsync.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if page, ok := b.pages[key]; ok {
		return page, nil
	}
	return nil, errors.New("no such partition")
}

// downLink keeps the monitor offline so handlers never kick background syncs.
type downLink struct{}

func (downLink) Up() bool                 { return false }
func (downLink) Changes() <-chan struct{} { return nil }

type fixture struct {
	server  *Server
	cache   *cache.Cache
	queue   *queue.Queue
	backend *stubBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := syncdb.NewBoltDB(syncdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "sync.db")))
	t.Cleanup(func() {
		_ = db.Close()
	})

	c := cache.New(db)
	q := queue.New(db)
	backend := &stubBackend{pages: make(map[string][]feedsync.Post)}
	m := connectivity.NewMonitor(connectivity.Config{}, downLink{})
	coord := syncer.New(backend, backend, q, c,
		syncer.WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })))

	return &fixture{
		server:  New(Config{}, c, q, m, coord),
		cache:   c,
		queue:   q,
		backend: backend,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStatus_ReportsQueueDepth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Enqueue(context.Background(), feedsync.NewSubmission("queued", "", false)))

	rec := f.do(t, http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, float64(1), body["queued"])
}

func TestHandleFeed_ServesCachedPage(t *testing.T) {
	f := newFixture(t)
	f.cache.Put(context.Background(), "school:42", []feedsync.Post{{ID: "p1", Body: "cached"}})

	rec := f.do(t, http.MethodGet, "/feeds/school:42", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "school:42", body["partition"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "cached", items[0].(map[string]any)["body"])
	assert.Contains(t, body, "fetched_at")
}

func TestHandleFeed_UnknownPartitionIsEmptyPage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/feeds/school:never", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Empty(t, body["items"])
	assert.NotContains(t, body, "fetched_at")
}

func TestHandleSubmit_QueuesAndAccepts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/posts", `{"body":"hello campus","anonymous":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["queued"])
	assert.NotEmpty(t, body["key"])

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleSubmit_RejectsEmptyBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/posts", `{"body":"   "}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleSubmit_RejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	huge := strings.Repeat("a", feedsync.MaxBodyBytes+1)

	rec := f.do(t, http.MethodPost, "/posts", `{"body":"`+huge+`"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_RejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/posts", `{"body":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSync_RunsAndReports(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Enqueue(context.Background(), feedsync.NewSubmission("pending", "", false)))

	rec := f.do(t, http.MethodPost, "/sync", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["outcome"])
	assert.Equal(t, float64(1), body["succeeded"])
	assert.Equal(t, "synced 1 post", body["message"])

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleSync_EmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sync", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "noop", body["outcome"])
}
