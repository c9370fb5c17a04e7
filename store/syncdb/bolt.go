package syncdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	feedsync "github.com/campusfeed/feed-sync"
)

// BoltDB implements SyncDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *PageCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production; the queue's durability is the
// only guarantee an offline post gets.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewPageCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating page codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened syncdb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPages, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing syncdb")
	return b.db.Close()
}

// GetPage retrieves the cached page for a partition.
// The returned record always carries an identity-encoded payload.
func (b *BoltDB) GetPage(_ context.Context, partitionKey string) (*PageRecord, error) {
	var rec PageRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPages)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(partitionKey))
		if val == nil {
			return ErrNotFound
		}

		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	payload, err := b.codec.Decode(rec.Payload, rec.Encoding, rec.Digest)
	if err != nil {
		return nil, fmt.Errorf("decoding page %q: %w", partitionKey, err)
	}
	rec.Payload = payload
	rec.Encoding = EncodingIdentity
	return &rec, nil
}

// PutPage stores the page for a partition, overwriting any previous slot.
func (b *BoltDB) PutPage(_ context.Context, rec *PageRecord) error {
	payload, encoding, digest, err := b.codec.Encode(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding page %q: %w", rec.PartitionKey, err)
	}

	stored := *rec
	stored.Payload = payload
	stored.Encoding = encoding
	stored.Digest = digest

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling page record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPages)
		if bucket == nil {
			return fmt.Errorf("pages bucket not found")
		}
		return bucket.Put([]byte(rec.PartitionKey), data)
	})
}

// DeletePage removes the cached page for a partition.
func (b *BoltDB) DeletePage(_ context.Context, partitionKey string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPages)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(partitionKey))
	})
}

// AppendSubmission appends a submission to the queue. When maxEntries > 0
// and the append pushes the queue over the cap, the oldest entries are
// deleted in the same transaction and their keys returned.
func (b *BoltDB) AppendSubmission(_ context.Context, sub feedsync.Submission, maxEntries int) ([]string, error) {
	created, err := sub.CreatedTime()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(&sub)
	if err != nil {
		return nil, fmt.Errorf("marshaling submission: %w", err)
	}

	var dropped []string
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			return fmt.Errorf("queue bucket not found")
		}

		if err := bucket.Put(encodeTimestamp(created), data); err != nil {
			return fmt.Errorf("putting submission: %w", err)
		}

		if maxEntries <= 0 {
			return nil
		}

		// Stats().KeyN does not reflect uncommitted writes; count directly.
		for countKeys(bucket) > maxEntries {
			cursor := bucket.Cursor()
			k, v := cursor.First()
			if k == nil {
				break
			}
			var old feedsync.Submission
			if err := json.Unmarshal(v, &old); err == nil {
				dropped = append(dropped, old.Key())
			} else {
				dropped = append(dropped, decodeTimestamp(k).Format(time.RFC3339Nano))
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("dropping oldest submission: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// countKeys counts entries in a bucket within the current transaction.
func countKeys(bucket *bbolt.Bucket) int {
	n := 0
	_ = bucket.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n
}

// ListSubmissions returns all queued submissions oldest first without
// removing them.
func (b *BoltDB) ListSubmissions(_ context.Context) ([]feedsync.Submission, error) {
	var subs []feedsync.Submission
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var sub feedsync.Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				b.logger.Warn("skipping corrupt queue entry",
					"key", decodeTimestamp(k),
					"error", err)
				continue
			}
			subs = append(subs, sub)
		}
		return nil
	})
	return subs, err
}

// RemoveSubmission deletes the entry with the given key. Removing a key
// that is not present (or one that does not parse) is a no-op.
func (b *BoltDB) RemoveSubmission(_ context.Context, key string) error {
	created, err := time.Parse(time.RFC3339Nano, key)
	if err != nil {
		b.logger.Debug("ignoring remove for unparseable key", "key", key)
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(encodeTimestamp(created))
	})
}

// SubmissionCount returns the number of queued submissions.
func (b *BoltDB) SubmissionCount(_ context.Context) (int, error) {
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Compile-time interface check
var _ SyncDB = (*BoltDB)(nil)
