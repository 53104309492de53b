package firehose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReposDecodeCommit(t *testing.T) {
	likeRecord := map[string]any{
		"$type":   "app.bsky.feed.like",
		"subject": map[string]any{"uri": "at://did:plc:x/app.bsky.feed.post/1", "cid": "bafyx"},
	}
	frame := buildCommitFrame(t, 42, testRepo,
		reposOp{path: PostCollection + "/3kpost", record: postRecord("으어어")},
		reposOp{path: "app.bsky.feed.like/3klike", record: likeRecord},
		reposOp{path: PostCollection + "/3kgone"},
	)

	ev, err := ReposProtocol{}.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, KindCommit, ev.Kind)
	assert.Equal(t, int64(42), ev.Seq)
	assert.Equal(t, testRepo, ev.Repo)
	assert.False(t, ev.Time.IsZero())
	require.Len(t, ev.Ops, 3)

	post := ev.Ops[0]
	assert.Equal(t, ActionCreate, post.Action)
	assert.Equal(t, 0, post.Position)
	assert.Equal(t, postURI("3kpost"), post.URI)
	assert.Equal(t, PostCollection, post.Collection)
	assert.Equal(t, "3kpost", post.RKey)
	assert.NotEmpty(t, post.CID)
	rec, ok := post.Record.(*PostRecord)
	require.True(t, ok)
	assert.Equal(t, "으어어", rec.Text)
	assert.Nil(t, rec.Reply)

	like := ev.Ops[1]
	opaque, ok := like.Record.(*OpaqueRecord)
	require.True(t, ok)
	assert.Equal(t, "app.bsky.feed.like", opaque.NSID())
	assert.NotEmpty(t, opaque.Raw)

	del := ev.Ops[2]
	assert.Equal(t, ActionDelete, del.Action)
	assert.Equal(t, 2, del.Position)
	assert.Equal(t, postURI("3kgone"), del.URI)
	assert.Empty(t, del.CID)
	assert.Nil(t, del.Record)
}

func TestReposDecodeReply(t *testing.T) {
	parent := postURI("parent")
	root := postURI("root")
	frame := buildCommitFrame(t, 7, testRepo,
		reposOp{path: PostCollection + "/reply", record: replyRecord("으어어", parent, root)},
	)

	ev, err := ReposProtocol{}.Decode(frame)
	require.NoError(t, err)
	require.Len(t, ev.Ops, 1)

	rec := ev.Ops[0].Record.(*PostRecord)
	require.NotNil(t, rec.Reply)
	assert.Equal(t, parent, rec.Reply.Parent.URI)
	assert.Equal(t, root, rec.Reply.Root.URI)
}

func TestReposDecodeCreateWithoutBlock(t *testing.T) {
	block := mustCBOR(t, postRecord("으어어"))
	frame := buildFrame(t, "#commit", map[string]any{
		"seq":    9,
		"repo":   testRepo,
		"blocks": buildCAR(t),
		"ops": []any{map[string]any{
			"action": "create",
			"path":   PostCollection + "/missing",
			"cid":    cborLink(blockCID(t, block)),
		}},
	})

	ev, err := ReposProtocol{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(9), ev.Seq)
	assert.Empty(t, ev.Ops)
}

func TestReposDecodeTooBig(t *testing.T) {
	frame := buildFrame(t, "#commit", map[string]any{
		"seq":    11,
		"repo":   testRepo,
		"tooBig": true,
		"blocks": []byte{},
		"ops": []any{map[string]any{
			"action": "delete",
			"path":   PostCollection + "/x",
			"cid":    nil,
		}},
	})

	ev, err := ReposProtocol{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindCommit, ev.Kind)
	assert.Equal(t, int64(11), ev.Seq)
	assert.Empty(t, ev.Ops)
}

func TestReposDecodeEnvelopes(t *testing.T) {
	tests := []struct {
		typ  string
		kind EventKind
	}{
		{"#identity", KindIdentity},
		{"#handle", KindIdentity},
		{"#account", KindAccount},
		{"#tombstone", KindAccount},
		{"#sync", KindSync},
		{"#labels", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			frame := buildFrame(t, tt.typ, map[string]any{
				"seq":  int64(100),
				"did":  testRepo,
				"time": "2024-05-01T12:00:00Z",
			})
			ev, err := ReposProtocol{}.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, int64(100), ev.Seq)
			assert.Equal(t, testRepo, ev.Repo)
			assert.Empty(t, ev.Ops)
		})
	}
}

func TestReposDecodeInfo(t *testing.T) {
	frame := buildFrame(t, "#info", map[string]any{"name": "OutdatedCursor"})
	ev, err := ReposProtocol{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindInfo, ev.Kind)
	assert.Zero(t, ev.Seq)
}

func TestReposDecodeErrorFrame(t *testing.T) {
	frame := mustCBOR(t, map[string]any{"op": -1})
	frame = append(frame, mustCBOR(t, map[string]any{
		"error":   "FutureCursor",
		"message": "cursor in the future",
	})...)

	_, err := ReposProtocol{}.Decode(frame)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "FutureCursor", streamErr.Name)
	assert.Contains(t, streamErr.Error(), "cursor in the future")
	assert.False(t, IsDecodeError(err))
}

func TestReposDecodeMalformed(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := ReposProtocol{}.Decode([]byte{0xff, 0x00, 0x13})
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Zero(t, de.Seq)
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ReposProtocol{}.Decode(mustCBOR(t, map[string]any{"op": 1, "t": "#commit"}))
		assert.True(t, IsDecodeError(err))
	})

	t.Run("corrupt blocks keep seq", func(t *testing.T) {
		block := mustCBOR(t, postRecord("으어어"))
		frame := buildFrame(t, "#commit", map[string]any{
			"seq":    int64(55),
			"repo":   testRepo,
			"blocks": []byte{0x05, 0x01},
			"ops": []any{map[string]any{
				"action": "create",
				"path":   PostCollection + "/x",
				"cid":    cborLink(blockCID(t, block)),
			}},
		})
		_, err := ReposProtocol{}.Decode(frame)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, int64(55), de.Seq)
	})

	t.Run("bad path", func(t *testing.T) {
		frame := buildCommitFrame(t, 56, testRepo, reposOp{path: "no-rkey"})
		_, err := ReposProtocol{}.Decode(frame)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, int64(56), de.Seq)
	})
}

func TestReposSubscribeURL(t *testing.T) {
	p := ReposProtocol{}

	u, err := p.SubscribeURL("wss://bsky.network", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos", u)

	u, err = p.SubscribeURL("wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos", 1234, true)
	require.NoError(t, err)
	assert.Equal(t, "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos?cursor=1234", u)

	assert.Equal(t, "subscribeRepos", p.Name())
}

func TestReadCARRejectsBadInput(t *testing.T) {
	_, err := readCAR(nil)
	assert.Error(t, err)

	hdr := mustCBOR(t, map[string]any{"roots": []any{}, "version": 2})
	data := append([]byte{byte(len(hdr))}, hdr...)
	_, err = readCAR(data)
	assert.ErrorContains(t, err, "unsupported version")
}

func TestReadCARBlocks(t *testing.T) {
	a := mustCBOR(t, postRecord("a"))
	b := mustCBOR(t, postRecord("b"))

	blocks, err := readCAR(buildCAR(t, a, b))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, a, blocks[blockCID(t, a)])
	assert.Equal(t, b, blocks[blockCID(t, b)])
}
