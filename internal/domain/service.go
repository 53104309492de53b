package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// ApplyResult summarises the writes issued for a single commit.
type ApplyResult struct {
	// Matched holds the rows that passed the matcher and were sent to the store.
	Matched []Post

	// Deleted is the number of delete URIs sent to the store.
	Deleted int

	// Rejected is the number of matched rows dropped by constraint conflicts.
	Rejected int
}

// FeedService is the core domain service. It owns the business logic for
// matching incoming posts, persisting matched posts, and serving feed
// skeletons.
type FeedService struct {
	publisherDID string
	algorithms   map[string]Algorithm
	matcher      Matcher
	repo         PostRepository
	cursors      CursorRepository
	notifier     Notifier
	now          func() time.Time
	logger       *slog.Logger
}

// ServiceOption customises a FeedService.
type ServiceOption func(*FeedService)

// WithNotifier sets the sink that is told about every matched post.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *FeedService) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the processing-time clock used for IndexedAt.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *FeedService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFeedService creates a FeedService serving the given algorithms.
func NewFeedService(
	publisherDID string,
	algorithms []Algorithm,
	matcher Matcher,
	repo PostRepository,
	cursors CursorRepository,
	logger *slog.Logger,
	opts ...ServiceOption,
) (*FeedService, error) {
	if publisherDID == "" {
		return nil, fmt.Errorf("publisher DID is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("at least one algorithm is required")
	}

	byName := make(map[string]Algorithm, len(algorithms))
	for _, a := range algorithms {
		if _, dup := byName[a.ShortName()]; dup {
			return nil, fmt.Errorf("algorithm %q registered twice", a.ShortName())
		}
		byName[a.ShortName()] = a
	}

	s := &FeedService{
		publisherDID: publisherDID,
		algorithms:   byName,
		matcher:      matcher,
		repo:         repo,
		cursors:      cursors,
		notifier:     NopNotifier{},
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FeedURIs returns the AT-URIs of all registered feeds, sorted.
func (s *FeedService) FeedURIs() []string {
	uris := make([]string, 0, len(s.algorithms))
	for name := range s.algorithms {
		uris = append(uris, FeedURI(s.publisherDID, name))
	}
	sort.Strings(uris)
	return uris
}

// Matches reports whether incoming passes the configured matcher.
func (s *FeedService) Matches(incoming *IncomingPost) bool {
	return s.matcher.Match(incoming)
}

// ApplyCommit filters creates, projects the matches and writes the delete
// batch and the insert batch for one commit. The two writes and the
// notification fan-out run concurrently and the call returns once both writes
// have settled. When sequential is set the deletes are applied before the
// inserts, for batches where a URI is deleted and then re-created.
//
// The returned error joins the failures of both writes. A conflict on the
// insert batch is retried row by row so one bad row does not block the rest;
// rows that still conflict are logged and counted in Rejected.
func (s *FeedService) ApplyCommit(ctx context.Context, creates []IncomingPost, deletes []string, sequential bool) (ApplyResult, error) {
	var (
		result  ApplyResult
		matched []*IncomingPost
	)
	for i := range creates {
		if s.matcher.Match(&creates[i]) {
			matched = append(matched, &creates[i])
		}
	}

	now := s.now()
	result.Matched = make([]Post, len(matched))
	for i, in := range matched {
		result.Matched[i] = Project(in, now)
	}
	result.Deleted = len(deletes)

	var deleteErr, insertErr error

	if sequential && len(deletes) > 0 {
		deleteErr = s.deletePosts(ctx, deletes)
		deletes = nil
	}

	// Wait is only a barrier here; each write keeps its own error.
	var g errgroup.Group
	if len(deletes) > 0 {
		g.Go(func() error {
			deleteErr = s.deletePosts(ctx, deletes)
			return nil
		})
	}
	if len(result.Matched) > 0 {
		g.Go(func() error {
			result.Rejected, insertErr = s.insertPosts(ctx, result.Matched)
			return nil
		})
		g.Go(func() error {
			s.notify(matched)
			return nil
		})
	}
	_ = g.Wait()

	return result, errors.Join(deleteErr, insertErr)
}

func (s *FeedService) deletePosts(ctx context.Context, uris []string) error {
	if err := s.repo.DeletePosts(ctx, uris); err != nil {
		s.logger.Error("delete batch failed", "count", len(uris), "error", err)
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}

func (s *FeedService) insertPosts(ctx context.Context, posts []Post) (int, error) {
	err := s.repo.InsertPosts(ctx, posts)
	switch {
	case err == nil:
		return 0, nil
	case !errors.Is(err, ErrConflict):
		s.logger.Error("insert batch failed", "count", len(posts), "error", err)
		return 0, fmt.Errorf("insert posts: %w", err)
	case len(posts) == 1:
		s.logger.Warn("matched post rejected", "uri", posts[0].URI, "error", err)
		return 1, nil
	}

	s.logger.Warn("insert batch conflict, retrying rows individually", "count", len(posts), "error", err)
	rejected := 0
	for _, p := range posts {
		err := s.repo.InsertPosts(ctx, []Post{p})
		switch {
		case err == nil:
		case errors.Is(err, ErrConflict):
			rejected++
			s.logger.Warn("matched post rejected", "uri", p.URI, "error", err)
		default:
			return rejected, fmt.Errorf("insert post %s: %w", p.URI, err)
		}
	}
	return rejected, nil
}

func (s *FeedService) notify(posts []*IncomingPost) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("notifier panicked", "panic", r)
		}
	}()
	for _, p := range posts {
		s.notifier.Notify(p.AuthorDID)
	}
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	s.logger.Debug("GetFeedSkeleton called", "feedURI", feedURI, "limit", limit, "cursor", cursor)

	authority, rkey, err := ParseFeedURI(feedURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, err)
	}
	algo, ok := s.algorithms[rkey]
	if !ok || authority != s.publisherDID {
		s.logger.Warn("unknown feed requested", "feedURI", feedURI, "registered_feeds", s.FeedURIs())
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, feedURI)
	}

	skeleton, err := algo.Skeleton(ctx, s.repo, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("get feed posts: %w", err)
	}

	s.logger.Debug("repository query succeeded", "posts_count", len(skeleton.Posts), "next_cursor", skeleton.Cursor)
	return skeleton, nil
}

// StartCleanupJob runs a background loop that removes posts older than maxAge
// and caps the total at maxRows. It runs immediately on start and then repeats
// at the given interval. It blocks until ctx is cancelled.
func (s *FeedService) StartCleanupJob(ctx context.Context, interval time.Duration, maxAge time.Duration, maxRows int) {
	s.runCleanup(ctx, maxAge, maxRows)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx, maxAge, maxRows)
		}
	}
}

func (s *FeedService) runCleanup(ctx context.Context, maxAge time.Duration, maxRows int) {
	deleted, err := s.repo.DeleteOldPosts(ctx, maxAge, maxRows)
	if err != nil {
		s.logger.Error("post cleanup failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("post cleanup complete", "deleted", deleted)
	}
}
