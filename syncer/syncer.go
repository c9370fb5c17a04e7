// Package syncer orchestrates the online reconciliation pass: drain the
// outbound queue oldest first, then refresh cached feed pages. It owns
// the ordering and overlap rules; the queue, cache and API client own
// the mechanics.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/retry"
	"github.com/campusfeed/feed-sync/telemetry"
)

// Submitter sends one submission to the backend.
type Submitter interface {
	SubmitPost(ctx context.Context, sub feedsync.Submission) error
}

// PageFetcher retrieves the current page for a feed partition.
type PageFetcher interface {
	FetchPage(ctx context.Context, partitionKey string) ([]feedsync.Post, error)
}

// Queue is the durable outbound queue the coordinator drains.
type Queue interface {
	DrainAll(ctx context.Context) ([]feedsync.Submission, error)
	Remove(ctx context.Context, key string) error
}

// ContentCache stores refreshed pages.
type ContentCache interface {
	Put(ctx context.Context, partitionKey string, items []feedsync.Post)
}

// Outcome classifies a finished sync run.
type Outcome string

const (
	// OutcomeSuccess means every queued submission landed.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means some submissions landed and some remain queued.
	OutcomePartial Outcome = "partial"
	// OutcomeFailure means nothing landed.
	OutcomeFailure Outcome = "failure"
	// OutcomeNoop means the queue was already empty.
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means another run was already in flight.
	OutcomeSkipped Outcome = "skipped"
)

// Result summarizes one sync run.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Refreshed int           `json:"refreshed"`
	Skipped   bool          `json:"skipped"`
}

// Outcome classifies the result.
func (r Result) Outcome() Outcome {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Attempted == 0:
		return OutcomeNoop
	case r.Succeeded == r.Attempted:
		return OutcomeSuccess
	case r.Succeeded > 0:
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}

// Message renders the result for display to the user. Failure wording
// promises the automatic retry so the user knows not to repost.
func (r Result) Message() string {
	switch r.Outcome() {
	case OutcomeSuccess:
		if r.Succeeded == 1 {
			return "synced 1 post"
		}
		return fmt.Sprintf("synced %d posts", r.Succeeded)
	case OutcomePartial:
		return fmt.Sprintf("%d succeeded, %d will retry", r.Succeeded, r.Failed)
	case OutcomeFailure:
		return "sync failed, will retry automatically"
	default:
		return ""
	}
}

// Coordinator runs sync passes. At most one pass runs at a time;
// triggers while a pass is in flight return a skipped result.
type Coordinator struct {
	submitter Submitter
	fetcher   PageFetcher
	queue     Queue
	cache     ContentCache
	logger    *slog.Logger
	now       func() time.Time
	retryOpts []retry.Option
	onResult  func(Result)

	syncing atomic.Bool

	mu         sync.Mutex
	partitions map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithRetryOptions sets the per-submission retry policy.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Coordinator) {
		c.retryOpts = opts
	}
}

// WithOnResult sets a callback invoked after each run that attempted at
// least one submission. Runs that found an empty queue stay silent.
func WithOnResult(fn func(Result)) Option {
	return func(c *Coordinator) {
		c.onResult = fn
	}
}

// New creates a sync coordinator.
func New(submitter Submitter, fetcher PageFetcher, queue Queue, cache ContentCache, opts ...Option) *Coordinator {
	c := &Coordinator{
		submitter:  submitter,
		fetcher:    fetcher,
		queue:      queue,
		cache:      cache,
		logger:     slog.Default(),
		now:        time.Now,
		partitions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TrackPartition registers a feed partition for refresh after
// successful sync runs.
func (c *Coordinator) TrackPartition(partitionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions[partitionKey] = struct{}{}
}

func (c *Coordinator) trackedPartitions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.partitions))
	for key := range c.partitions {
		keys = append(keys, key)
	}
	return keys
}

// TriggerSync runs one sync pass and reports what happened. Queued
// submissions are sent serially oldest first so posts appear in the
// order they were written. Each submission gets its own retry budget; a
// submission that exhausts it stays queued for the next trigger. When
// anything landed, tracked partitions are refreshed so the user's next
// feed view includes their own post.
func (c *Coordinator) TriggerSync(ctx context.Context) Result {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress, skipping trigger")
		telemetry.RecordSyncRun(ctx, string(OutcomeSkipped), 0)
		return Result{StartedAt: c.now(), Skipped: true}
	}
	defer c.syncing.Store(false)

	res := Result{StartedAt: c.now()}
	defer func() {
		res.Duration = c.now().Sub(res.StartedAt)
	}()

	subs, err := c.queue.DrainAll(ctx)
	if err != nil {
		c.logger.Error("failed to read outbound queue", "error", err)
		telemetry.RecordSyncRun(ctx, string(OutcomeFailure), c.now().Sub(res.StartedAt))
		return res
	}

	res.Attempted = len(subs)
	for _, sub := range subs {
		if err := c.submitOne(ctx, sub); err != nil {
			res.Failed++
			c.logger.Warn("submission did not land, staying queued",
				"key", sub.Key(), "error", err)
			telemetry.RecordSyncItem(ctx, "retry_exhausted")
			continue
		}
		res.Succeeded++
		telemetry.RecordSyncItem(ctx, "submitted")
	}

	if res.Succeeded > 0 {
		res.Refreshed = c.refreshPartitions(ctx)
	}

	telemetry.RecordSyncRun(ctx, string(res.Outcome()), c.now().Sub(res.StartedAt))

	if res.Attempted > 0 {
		c.logger.Info("sync run finished",
			"outcome", res.Outcome(),
			"attempted", res.Attempted,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"refreshed", res.Refreshed)
		if c.onResult != nil {
			c.onResult(res)
		}
	}

	return res
}

// submitOne sends a single submission with retries and removes it from
// the queue only after the backend confirmed it.
func (c *Coordinator) submitOne(ctx context.Context, sub feedsync.Submission) error {
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.submitter.SubmitPost(ctx, sub)
	}, c.retryOpts...)
	if err != nil {
		return err
	}

	if err := c.queue.Remove(ctx, sub.Key()); err != nil {
		// The post landed; a lingering queue entry is resolved by the
		// backend's idempotency check on the next run.
		c.logger.Warn("submitted but failed to dequeue", "key", sub.Key(), "error", err)
	}

	return nil
}

func (c *Coordinator) refreshPartitions(ctx context.Context) int {
	refreshed := 0
	for _, key := range c.trackedPartitions() {
		items, err := c.fetcher.FetchPage(ctx, key)
		if err != nil {
			c.logger.Warn("failed to refresh feed partition", "partition", key, "error", err)
			continue
		}
		c.cache.Put(ctx, key, items)
		refreshed++
	}
	return refreshed
}
