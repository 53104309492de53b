package domain

import "time"

// Post represents a matched BlueSky post stored in our database.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// ReplyParent is the AT-URI of the post this one replies to, nil for
	// top-level posts.
	ReplyParent *string

	// ReplyRoot is the AT-URI of the thread root, nil for top-level posts.
	ReplyRoot *string

	// IndexedAt is when we indexed this post (processing time, not event time).
	IndexedAt time.Time
}

// IncomingPost represents a new post from the firehose that hasn't been
// persisted yet. It carries the text and metadata needed for matching.
type IncomingPost struct {
	// URI is the AT-URI of the post.
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text used for matching.
	Text string

	// Langs is the list of language tags set by the author's client.
	Langs []string

	// ReplyParent and ReplyRoot are set only when the record carries reply
	// linkage.
	ReplyParent *string
	ReplyRoot   *string
}

// IsReply reports whether the post is part of a reply chain.
func (p *IncomingPost) IsReply() bool {
	return p.ReplyParent != nil || p.ReplyRoot != nil
}

// Project maps a matched incoming post to its persisted row. URI, CID and
// reply linkage are copied verbatim; IndexedAt is the supplied processing time
// at millisecond precision, the resolution of feed cursors.
func Project(incoming *IncomingPost, now time.Time) Post {
	return Post{
		URI:         incoming.URI,
		CID:         incoming.CID,
		ReplyParent: cloneString(incoming.ReplyParent),
		ReplyRoot:   cloneString(incoming.ReplyRoot),
		IndexedAt:   now.UTC().Truncate(time.Millisecond),
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
