package firehose

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

const (
	testRepo = "did:plc:author"

	// mhSHA256 is the multihash code for sha2-256.
	mhSHA256 = 0x12
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustCBOR(t testing.TB, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func blockCID(t testing.TB, block []byte) cid.Cid {
	t.Helper()
	c, err := cid.Prefix{Version: 1, Codec: cid.DagCBOR, MhType: mhSHA256, MhLength: -1}.Sum(block)
	require.NoError(t, err)
	return c
}

func cborLink(c cid.Cid) cbor.Tag {
	return cbor.Tag{Number: cborTagLink, Content: append([]byte{0x00}, c.Bytes()...)}
}

// buildCAR encodes blocks as a CARv1 payload.
func buildCAR(t testing.TB, blocks ...[]byte) []byte {
	t.Helper()
	hdr := mustCBOR(t, map[string]any{"roots": []any{}, "version": 1})
	out := binary.AppendUvarint(nil, uint64(len(hdr)))
	out = append(out, hdr...)
	for _, b := range blocks {
		c := blockCID(t, b).Bytes()
		out = binary.AppendUvarint(out, uint64(len(c)+len(b)))
		out = append(out, c...)
		out = append(out, b...)
	}
	return out
}

// reposOp describes an op for buildCommitFrame. A nil record means delete.
type reposOp struct {
	path   string
	record map[string]any
}

func postRecord(text string) map[string]any {
	return map[string]any{
		"$type":     PostCollection,
		"text":      text,
		"createdAt": "2024-05-01T12:00:00.000Z",
	}
}

func replyRecord(text, parent, root string) map[string]any {
	rec := postRecord(text)
	rec["reply"] = map[string]any{
		"parent": map[string]any{"uri": parent, "cid": "bafyparent"},
		"root":   map[string]any{"uri": root, "cid": "bafyroot"},
	}
	return rec
}

func buildFrame(t testing.TB, typ string, body any) []byte {
	t.Helper()
	frame := mustCBOR(t, map[string]any{"op": 1, "t": typ})
	return append(frame, mustCBOR(t, body)...)
}

func buildCommitFrame(t testing.TB, seq int64, repo string, ops ...reposOp) []byte {
	t.Helper()
	var (
		blocks [][]byte
		rawOps []any
	)
	for _, op := range ops {
		if op.record == nil {
			rawOps = append(rawOps, map[string]any{"action": "delete", "path": op.path, "cid": nil})
			continue
		}
		block := mustCBOR(t, op.record)
		blocks = append(blocks, block)
		rawOps = append(rawOps, map[string]any{
			"action": "create",
			"path":   op.path,
			"cid":    cborLink(blockCID(t, block)),
		})
	}
	return buildFrame(t, "#commit", map[string]any{
		"seq":    seq,
		"repo":   repo,
		"rev":    "3kabc",
		"tooBig": false,
		"blocks": buildCAR(t, blocks...),
		"ops":    rawOps,
		"time":   "2024-05-01T12:00:00.000Z",
	})
}

// jetstreamFrame builds a Jetstream commit event. An empty text means delete.
func jetstreamFrame(t testing.TB, timeUS int64, rkey, text string) []byte {
	t.Helper()
	commit := map[string]any{
		"rev":        "3kabc",
		"collection": PostCollection,
		"rkey":       rkey,
	}
	if text == "" {
		commit["operation"] = "delete"
	} else {
		commit["operation"] = "create"
		commit["cid"] = "bafy" + rkey
		commit["record"] = map[string]any{"$type": PostCollection, "text": text, "createdAt": "2024-05-01T12:00:00Z"}
	}
	b, err := json.Marshal(map[string]any{
		"did":     testRepo,
		"time_us": timeUS,
		"kind":    "commit",
		"commit":  commit,
	})
	require.NoError(t, err)
	return b
}

func postURI(rkey string) string {
	return RecordURI(testRepo, PostCollection, rkey)
}

// memStore is an in-memory PostRepository and CursorRepository with failure
// injection.
type memStore struct {
	mu      sync.Mutex
	posts   map[string]domain.Post
	cursors map[string]int64
	saves   []int64

	failInsert int // fail the next n inserts
	failSave   int // fail the next n cursor saves
}

func newMemStore() *memStore {
	return &memStore{
		posts:   make(map[string]domain.Post),
		cursors: make(map[string]int64),
	}
}

var errUnavailable = errors.New("store unavailable")

func (s *memStore) InsertPosts(_ context.Context, posts []domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert > 0 {
		s.failInsert--
		return errUnavailable
	}
	for _, p := range posts {
		if _, ok := s.posts[p.URI]; !ok {
			s.posts[p.URI] = p
		}
	}
	return nil
}

func (s *memStore) DeletePosts(_ context.Context, uris []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uri := range uris {
		delete(s.posts, uri)
	}
	return nil
}

func (s *memStore) DeleteOldPosts(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

func (s *memStore) GetFeedPosts(context.Context, domain.PostQuery) ([]domain.Post, string, error) {
	return nil, "", nil
}

func (s *memStore) GetCursor(_ context.Context, service string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[service]
	return c, ok, nil
}

func (s *memStore) UpdateCursor(_ context.Context, service string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave > 0 {
		s.failSave--
		return errUnavailable
	}
	s.saves = append(s.saves, cursor)
	if cursor > s.cursors[service] {
		s.cursors[service] = cursor
	}
	return nil
}

func (s *memStore) cursor(service string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[service]
}

func (s *memStore) uris() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.posts))
	for uri := range s.posts {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) post(uri string) (domain.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[uri]
	return p, ok
}

func newTestFeedService(t testing.TB, store *memStore) *domain.FeedService {
	t.Helper()
	svc, err := domain.NewFeedService(
		"did:plc:publisher",
		domain.DefaultAlgorithms(),
		domain.NewExactTextMatcher(domain.DefaultMatchToken),
		store,
		store,
		discardLogger(),
	)
	require.NoError(t, err)
	return svc
}

// scriptedSource serves one scripted session per Connect. Each session item
// is a frame ([]byte) or an error that ends the session. Scripted sessions
// end with io.EOF, except the last one when holdLast is set. After the script
// runs out, streams block until the connect context ends.
type scriptedSource struct {
	mu       sync.Mutex
	sessions [][]any
	holdLast bool
	urls     []string
}

func (s *scriptedSource) Connect(ctx context.Context, url string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, url)
	if len(s.sessions) == 0 {
		return &scriptedStream{ctx: ctx}, nil
	}
	items := s.sessions[0]
	s.sessions = s.sessions[1:]
	hold := s.holdLast && len(s.sessions) == 0
	return &scriptedStream{ctx: ctx, items: items, endWithEOF: !hold}, nil
}

func (s *scriptedSource) connectURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

type scriptedStream struct {
	ctx        context.Context
	items      []any
	endWithEOF bool
}

func (s *scriptedStream) Next() ([]byte, error) {
	if len(s.items) == 0 {
		if s.endWithEOF {
			return nil, io.EOF
		}
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	item := s.items[0]
	s.items = s.items[1:]
	switch v := item.(type) {
	case []byte:
		return v, nil
	case error:
		return nil, v
	default:
		panic(fmt.Sprintf("unexpected script item %T", item))
	}
}

func (s *scriptedStream) Close() error { return nil }

// runSubscriber starts sub in the background and returns a stop function that
// cancels it and waits for Start to return.
func runSubscriber(t *testing.T, sub *Subscriber) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Start(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber did not stop")
			return nil
		}
	}
}
