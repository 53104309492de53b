package domain

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by a PostRepository when a write is rejected by a
// constraint other than the tolerated duplicate-URI no-op. Callers treat it as
// a row-level problem rather than an unavailable store.
var ErrConflict = errors.New("constraint conflict")

// PostQuery selects a page of matched posts.
type PostQuery struct {
	// Limit is the maximum number of posts to return.
	Limit int

	// Cursor is the opaque "indexedAt::cid" position of the previous page's
	// last post. Empty starts from the newest post.
	Cursor string

	// RootsOnly excludes replies.
	RootsOnly bool
}

// PostRepository defines persistence operations for indexed posts.
type PostRepository interface {
	// InsertPosts inserts the given posts, ignoring URIs that already exist.
	InsertPosts(ctx context.Context, posts []Post) error

	// DeletePosts removes posts by AT-URI. Unknown URIs are ignored.
	DeletePosts(ctx context.Context, uris []string) error

	// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
	// maxRows, keeping the most recent posts. Returns the number of rows deleted.
	DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error)

	// GetFeedPosts retrieves posts ordered by indexedAt descending. Returns
	// posts and the next cursor (empty string if no more results).
	GetFeedPosts(ctx context.Context, q PostQuery) ([]Post, string, error)
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. ok is false if no cursor has ever been saved.
	GetCursor(ctx context.Context, service string) (cursor int64, ok bool, err error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	// A value lower than the stored one leaves the stored value in place.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Notifier receives the author DID of every newly matched post. Implementations
// must not block.
type Notifier interface {
	Notify(actor string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string) {}
