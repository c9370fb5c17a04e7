// Package queue provides the durable outbound queue of posts authored
// while offline. An entry's presence in the queue is the only guarantee
// the user receives before the network round-trip eventually happens, so
// Enqueue is the one storage write whose failure propagates to the caller.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/store/syncdb"
	"github.com/campusfeed/feed-sync/telemetry"
)

// DefaultMaxEntries bounds queue growth. When the cap is exceeded the
// oldest entry is dropped with a warning; the newest post is the one the
// user just wrote, so it always wins the slot.
const DefaultMaxEntries = 1000

// Queue is the durable outbound submission queue.
type Queue struct {
	db         syncdb.SyncDB
	logger     *slog.Logger
	maxEntries int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMaxEntries sets the queue cap. Zero disables the bound.
func WithMaxEntries(n int) Option {
	return func(q *Queue) {
		q.maxEntries = n
	}
}

// New creates an outbound queue over the given store.
func New(db syncdb.SyncDB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		logger:     slog.Default(),
		maxEntries: DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the submission to durable storage. The returned error
// must surface to the user: if this fails, the post was NOT saved.
func (q *Queue) Enqueue(ctx context.Context, sub feedsync.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	dropped, err := q.db.AppendSubmission(ctx, sub, q.maxEntries)
	if err != nil {
		return fmt.Errorf("enqueueing submission: %w", err)
	}

	for _, key := range dropped {
		q.logger.Warn("queue over capacity, dropped oldest submission",
			"dropped_key", key,
			"max_entries", q.maxEntries)
	}
	telemetry.RecordQueueDrops(ctx, len(dropped))

	if depth, err := q.db.SubmissionCount(ctx); err == nil {
		telemetry.RecordQueueDepth(ctx, depth)
	}

	q.logger.Debug("queued submission", "key", sub.Key(), "anonymous", sub.Anonymous)
	return nil
}

// DrainAll returns all queued submissions oldest first without removing
// them. Removal is explicit and separate so a failed resubmission leaves
// its entry in place.
func (q *Queue) DrainAll(ctx context.Context) ([]feedsync.Submission, error) {
	subs, err := q.db.ListSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	return subs, nil
}

// Remove deletes exactly the entry matching the key. Removing a key that
// is not present is a no-op, which guards against double-removal races.
// An entry must never be removed before its submission is confirmed.
func (q *Queue) Remove(ctx context.Context, key string) error {
	if err := q.db.RemoveSubmission(ctx, key); err != nil {
		return fmt.Errorf("removing submission %q: %w", key, err)
	}
	if depth, err := q.db.SubmissionCount(ctx); err == nil {
		telemetry.RecordQueueDepth(ctx, depth)
	}
	return nil
}

// Len returns the number of queued submissions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.SubmissionCount(ctx)
}
