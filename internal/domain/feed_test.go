package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedCursorRoundTrip(t *testing.T) {
	p := Post{CID: "bafyabc", IndexedAt: time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)}

	cursor := FeedCursor(p)
	assert.Equal(t, "1714564800123::bafyabc", cursor)

	at, cid, err := ParseFeedCursor(cursor)
	require.NoError(t, err)
	assert.True(t, p.IndexedAt.Equal(at))
	assert.Equal(t, "bafyabc", cid)
}

func TestParseFeedCursorInvalid(t *testing.T) {
	for _, c := range []string{"", "1714564800123", "abc::bafy", "1714564800123::"} {
		_, _, err := ParseFeedCursor(c)
		assert.ErrorIs(t, err, ErrInvalidCursor, c)
	}
}

func TestParseFeedURI(t *testing.T) {
	authority, rkey, err := ParseFeedURI("at://did:plc:pub/app.bsky.feed.generator/eueoeo")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:pub", authority)
	assert.Equal(t, "eueoeo", rkey)

	for _, uri := range []string{
		"did:plc:pub/app.bsky.feed.generator/eueoeo",
		"at://did:plc:pub/app.bsky.feed.post/eueoeo",
		"at://did:plc:pub/app.bsky.feed.generator",
		"at:///app.bsky.feed.generator/eueoeo",
	} {
		_, _, err := ParseFeedURI(uri)
		assert.Error(t, err, uri)
	}
}

func TestProjectTruncatesToMillis(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 123_456_789, time.FixedZone("KST", 9*3600))
	p := Project(&IncomingPost{URI: "at://x/app.bsky.feed.post/1", CID: "c"}, now)
	assert.Equal(t, time.UTC, p.IndexedAt.Location())
	assert.Equal(t, 123_000_000, p.IndexedAt.Nanosecond())
}
