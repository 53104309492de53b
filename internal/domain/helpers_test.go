package domain

import (
	"context"
	"sort"
	"sync"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

// memRepo is an in-memory PostRepository and CursorRepository.
type memRepo struct {
	mu      sync.Mutex
	posts   map[string]Post
	cursors map[string]int64

	insertErr func(posts []Post) error
	deleteErr error
	inserts   int
	deletes   int
	cleanups  int
	maxAge    time.Duration
	maxRows   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		posts:   make(map[string]Post),
		cursors: make(map[string]int64),
	}
}

func (r *memRepo) InsertPosts(_ context.Context, posts []Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.insertErr != nil {
		if err := r.insertErr(posts); err != nil {
			return err
		}
	}
	for _, p := range posts {
		if _, ok := r.posts[p.URI]; !ok {
			r.posts[p.URI] = p
		}
	}
	return nil
}

func (r *memRepo) DeletePosts(_ context.Context, uris []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	if r.deleteErr != nil {
		return r.deleteErr
	}
	for _, uri := range uris {
		delete(r.posts, uri)
	}
	return nil
}

func (r *memRepo) DeleteOldPosts(_ context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups++
	r.maxAge, r.maxRows = maxAge, maxRows
	return 0, nil
}

func (r *memRepo) cleanupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanups
}

func (r *memRepo) GetFeedPosts(_ context.Context, q PostQuery) ([]Post, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Post
	for _, p := range r.posts {
		if q.RootsOnly && p.ReplyRoot != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI > out[j].URI })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, "", nil
}

func (r *memRepo) GetCursor(_ context.Context, service string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[service]
	return c, ok, nil
}

func (r *memRepo) UpdateCursor(_ context.Context, service string, cursor int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor > r.cursors[service] {
		r.cursors[service] = cursor
	}
	return nil
}

func (r *memRepo) uris() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.posts))
	for uri := range r.posts {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	actors []string
}

func (n *recordingNotifier) Notify(actor string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actors = append(n.actors, actor)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.actors...)
}
