package syncdb

import (
	"context"
	"errors"

	feedsync "github.com/campusfeed/feed-sync"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("syncdb: not found")

// SyncDB provides durable storage for the offline sync core: one slot per
// partition for cached feed pages and an insertion-ordered queue of
// submissions authored while offline.
type SyncDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Cached pages
	GetPage(ctx context.Context, partitionKey string) (*PageRecord, error)
	PutPage(ctx context.Context, rec *PageRecord) error
	DeletePage(ctx context.Context, partitionKey string) error

	// Outbound queue
	// AppendSubmission appends to the queue. If maxEntries > 0 and the
	// queue would exceed it, the oldest entries are dropped in the same
	// transaction; their keys are returned so callers can warn.
	AppendSubmission(ctx context.Context, sub feedsync.Submission, maxEntries int) (dropped []string, err error)
	// ListSubmissions returns all queued submissions oldest first,
	// without removing them.
	ListSubmissions(ctx context.Context) ([]feedsync.Submission, error)
	// RemoveSubmission deletes the entry with the given key. Removing a
	// key that is not present is a no-op.
	RemoveSubmission(ctx context.Context, key string) error
	SubmissionCount(ctx context.Context) (int, error)
}

// New creates a new SyncDB backed by bbolt.
func New() SyncDB {
	return NewBoltDB()
}
