package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FeedGeneratorCollection is the NSID of feed generator records.
const FeedGeneratorCollection = "app.bsky.feed.generator"

var (
	// ErrUnknownAlgorithm is returned when a feed URI does not name one of the
	// registered algorithms.
	ErrUnknownAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidCursor is returned for malformed pagination cursors.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// FeedSkeleton is the response body for getFeedSkeleton.
type FeedSkeleton struct {
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string
}

// FeedDescription describes a single feed served by this generator.
type FeedDescription struct {
	// URI is the AT-URI of the feed generator record.
	URI string
}

// GeneratorDescription is the response body for describeFeedGenerator.
type GeneratorDescription struct {
	DID   string
	Feeds []FeedDescription
}

// Algorithm is a ranking strategy over the matched posts, addressed by the
// record key of its feed generator record.
type Algorithm interface {
	ShortName() string
	Skeleton(ctx context.Context, repo PostRepository, limit int, cursor string) (*FeedSkeleton, error)
}

// recencyAlgorithm serves matched posts newest first.
type recencyAlgorithm struct {
	name      string
	rootsOnly bool
}

// NewRecencyAlgorithm returns an algorithm that lists posts by IndexedAt
// descending. With rootsOnly set, replies are excluded.
func NewRecencyAlgorithm(name string, rootsOnly bool) Algorithm {
	return &recencyAlgorithm{name: name, rootsOnly: rootsOnly}
}

func (a *recencyAlgorithm) ShortName() string { return a.name }

func (a *recencyAlgorithm) Skeleton(ctx context.Context, repo PostRepository, limit int, cursor string) (*FeedSkeleton, error) {
	posts, next, err := repo.GetFeedPosts(ctx, PostQuery{
		Limit:     limit,
		Cursor:    cursor,
		RootsOnly: a.rootsOnly,
	})
	if err != nil {
		return nil, err
	}

	skeleton := &FeedSkeleton{
		Cursor: next,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

// DefaultAlgorithms returns the algorithms served by this generator.
func DefaultAlgorithms() []Algorithm {
	return []Algorithm{
		NewRecencyAlgorithm("eueoeo", false),
		NewRecencyAlgorithm("eueoeo-roots", true),
	}
}

// FeedURI returns the AT-URI of the feed generator record for shortName.
func FeedURI(publisherDID, shortName string) string {
	return fmt.Sprintf("at://%s/%s/%s", publisherDID, FeedGeneratorCollection, shortName)
}

// ParseFeedURI splits an AT-URI of a feed generator record into its authority
// and record key.
func ParseFeedURI(uri string) (authority, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", fmt.Errorf("feed must be a valid at-uri")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("feed must be a valid at-uri")
	}
	if parts[1] != FeedGeneratorCollection {
		return "", "", fmt.Errorf("feed must reference a %s record", FeedGeneratorCollection)
	}
	return parts[0], parts[2], nil
}

// FeedCursor returns the pagination cursor pointing after p, in the form
// "indexedAtMillis::cid".
func FeedCursor(p Post) string {
	return fmt.Sprintf("%d::%s", p.IndexedAt.UnixMilli(), p.CID)
}

// ParseFeedCursor parses a cursor produced by FeedCursor. Errors wrap
// ErrInvalidCursor.
func ParseFeedCursor(cursor string) (time.Time, string, error) {
	millisPart, cid, ok := strings.Cut(cursor, "::")
	if !ok || cid == "" {
		return time.Time{}, "", fmt.Errorf("%w: must be in format 'timestamp::cid'", ErrInvalidCursor)
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: invalid timestamp: %v", ErrInvalidCursor, err)
	}
	return time.UnixMilli(millis).UTC(), cid, nil
}
