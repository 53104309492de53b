package firehose

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol turns the remote log's frames into RepoEvents and knows how to
// address the log at a cursor.
type Protocol interface {
	// Name identifies the protocol in logs and cursor rows.
	Name() string

	// SubscribeURL returns the endpoint URL resuming after cursor. When ok is
	// false the log is joined at its current head.
	SubscribeURL(endpoint string, cursor int64, ok bool) (string, error)

	// Decode decodes one frame. It returns a *DecodeError for a malformed frame
	// that should be skipped and a *StreamError for an error frame.
	Decode(frame []byte) (*RepoEvent, error)
}

const subscribeReposPath = "/xrpc/com.atproto.sync.subscribeRepos"

// ReposProtocol decodes com.atproto.sync.subscribeRepos DAG-CBOR frames.
type ReposProtocol struct{}

// Name implements Protocol.
func (ReposProtocol) Name() string { return "subscribeRepos" }

// SubscribeURL implements Protocol.
func (ReposProtocol) SubscribeURL(endpoint string, cursor int64, ok bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	if !strings.HasSuffix(u.Path, subscribeReposPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + subscribeReposPath
	}
	q := u.Query()
	if ok {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	} else {
		q.Del("cursor")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

type errorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

type commitBody struct {
	Seq    int64    `cbor:"seq"`
	Repo   string   `cbor:"repo"`
	Rev    string   `cbor:"rev"`
	TooBig bool     `cbor:"tooBig"`
	Blocks []byte   `cbor:"blocks"`
	Ops    []repoOp `cbor:"ops"`
	Time   string   `cbor:"time"`
}

type repoOp struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
	CID    *Link  `cbor:"cid"`
}

// envelopeBody covers the fields shared by the non-commit event kinds.
type envelopeBody struct {
	Seq  int64  `cbor:"seq"`
	DID  string `cbor:"did"`
	Time string `cbor:"time"`
}

// Decode implements Protocol.
func (p ReposProtocol) Decode(frame []byte) (*RepoEvent, error) {
	var hdr frameHeader
	body, err := decMode.UnmarshalFirst(frame, &hdr)
	if err != nil {
		return nil, decodeErr(0, "header: %w", err)
	}
	if len(body) == 0 {
		return nil, decodeErr(0, "frame has no body")
	}

	switch hdr.Op {
	case 1:
	case -1:
		var eb errorBody
		if err := decMode.Unmarshal(body, &eb); err != nil {
			return nil, decodeErr(0, "error body: %w", err)
		}
		return nil, &StreamError{Name: eb.Error, Message: eb.Message}
	default:
		return nil, decodeErr(0, "unknown frame op %d", hdr.Op)
	}

	switch hdr.Type {
	case "#commit":
		return p.decodeCommit(body)
	case "#identity", "#handle":
		return decodeEnvelope(KindIdentity, body)
	case "#account", "#tombstone", "#migrate":
		return decodeEnvelope(KindAccount, body)
	case "#sync":
		return decodeEnvelope(KindSync, body)
	case "#info":
		return &RepoEvent{Kind: KindInfo}, nil
	default:
		ev, err := decodeEnvelope(KindUnknown, body)
		if err != nil {
			return &RepoEvent{Kind: KindUnknown}, nil
		}
		return ev, nil
	}
}

func decodeEnvelope(kind EventKind, body []byte) (*RepoEvent, error) {
	var env envelopeBody
	if err := decMode.Unmarshal(body, &env); err != nil {
		return nil, decodeErr(0, "%s body: %w", kind, err)
	}
	return &RepoEvent{
		Kind: kind,
		Seq:  env.Seq,
		Repo: env.DID,
		Time: parseTime(env.Time),
	}, nil
}

func (p ReposProtocol) decodeCommit(body []byte) (*RepoEvent, error) {
	var c commitBody
	if err := decMode.Unmarshal(body, &c); err != nil {
		var env envelopeBody
		_ = decMode.Unmarshal(body, &env)
		return nil, decodeErr(env.Seq, "commit body: %w", err)
	}

	ev := &RepoEvent{
		Kind: KindCommit,
		Seq:  c.Seq,
		Repo: c.Repo,
		Time: parseTime(c.Time),
	}
	if c.TooBig || len(c.Ops) == 0 {
		return ev, nil
	}

	blocks, err := readCAR(c.Blocks)
	if err != nil {
		return nil, decodeErr(c.Seq, "blocks: %w", err)
	}

	ev.Ops = make([]Operation, 0, len(c.Ops))
	for i, op := range c.Ops {
		collection, rkey, err := splitPath(op.Path)
		if err != nil {
			return nil, decodeErr(c.Seq, "op %d: %w", i, err)
		}
		out := Operation{
			Action:     Action(op.Action),
			Position:   i,
			URI:        RecordURI(c.Repo, collection, rkey),
			CID:        op.CID.String(),
			Collection: collection,
			RKey:       rkey,
		}

		switch out.Action {
		case ActionDelete:
		case ActionCreate, ActionUpdate:
			if op.CID == nil {
				continue
			}
			block, ok := blocks[op.CID.CID]
			if !ok {
				// Partial commits may omit blocks; nothing to inspect.
				continue
			}
			rec, err := decodeRecord(collection, block)
			if err != nil {
				return nil, decodeErr(c.Seq, "op %d record: %w", i, err)
			}
			out.Record = rec
		default:
			return nil, decodeErr(c.Seq, "op %d: unknown action %q", i, op.Action)
		}
		ev.Ops = append(ev.Ops, out)
	}
	return ev, nil
}

// decodeRecord decodes records of collections we inspect and keeps the rest
// opaque.
func decodeRecord(collection string, block []byte) (Record, error) {
	if collection != PostCollection {
		return &OpaqueRecord{Collection: collection, Raw: block}, nil
	}
	var post PostRecord
	if err := decMode.Unmarshal(block, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
