package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feedsync "github.com/campusfeed/feed-sync"
)

func TestSubmitPost_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	var gotSub feedsync.Submission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/posts", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSub))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithAuthToken("sekrit"))

	sub := feedsync.NewSubmission("hello campus", "", true)
	require.NoError(t, c.SubmitPost(context.Background(), sub))

	assert.Equal(t, sub.Key(), gotKey)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, sub.Body, gotSub.Body)
	assert.True(t, gotSub.Anonymous)
}

func TestSubmitPost_ConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	err := c.SubmitPost(context.Background(), feedsync.NewSubmission("dup", "", false))
	assert.NoError(t, err)
}

func TestSubmitPost_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	err := c.SubmitPost(context.Background(), feedsync.NewSubmission("oops", "", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestFetchPage_DecodesItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/feeds/school:42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"p1","body":"first"},{"id":"p2","body":"second"}]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	items, err := c.FetchPage(context.Background(), "school:42")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p1", items[0].ID)
	assert.Equal(t, "second", items[1].Body)
}

func TestFetchPage_EscapesPartitionKey(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	_, err := c.FetchPage(context.Background(), "dept/cs 101")
	require.NoError(t, err)
	assert.Equal(t, "/feeds/dept%2Fcs%20101", gotPath)
}

func TestFetchPage_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	_, err := c.FetchPage(context.Background(), "school:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchPage_EmptyItemsIsNotNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	items, err := c.FetchPage(context.Background(), "school:42")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.FetchPage(ctx, "school:42")
	assert.Error(t, err)
}
