// Package feedsync provides the offline-first durability core for the
// campusfeed client: a local cache of fetched feed pages, a durable queue
// of posts authored while offline, and the records they share.
package feedsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxBodyBytes is the maximum allowed post body size.
const MaxBodyBytes = 16 * 1024

var (
	// ErrEmptyBody is returned when a submission has no body text.
	ErrEmptyBody = errors.New("submission body is empty")

	// ErrBodyTooLarge is returned when a submission body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("submission body exceeds maximum size")
)

// Post is a single feed item as returned by the backend.
type Post struct {
	ID            string    `json:"id"`
	Author        string    `json:"author,omitempty"`
	Body          string    `json:"body"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	Anonymous     bool      `json:"anonymous"`
	CreatedAt     time.Time `json:"created_at"`
	LikeCount     int       `json:"like_count"`
	CommentCount  int       `json:"comment_count"`
}

// Submission is a user-authored post that has not yet been confirmed by
// the backend. CreatedAt is the enqueue timestamp in RFC 3339 form and
// doubles as the submission's unique, immutable key.
type Submission struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Anonymous     bool   `json:"anonymous"`
	CreatedAt     string `json:"created_at"`
}

// NewSubmission creates a submission keyed by the current time.
func NewSubmission(body, attachmentRef string, anonymous bool) Submission {
	return Submission{
		Body:          body,
		AttachmentRef: attachmentRef,
		Anonymous:     anonymous,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Key returns the submission's unique key (its creation timestamp).
func (s Submission) Key() string {
	return s.CreatedAt
}

// CreatedTime parses the submission's creation timestamp.
func (s Submission) CreatedTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing submission key %q: %w", s.CreatedAt, err)
	}
	return t, nil
}

// Validate checks that the submission is acceptable for queueing.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Body) == "" {
		return ErrEmptyBody
	}
	if len(s.Body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if _, err := s.CreatedTime(); err != nil {
		return err
	}
	return nil
}
