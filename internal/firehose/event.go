package firehose

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostCollection is the NSID of post records, the only collection whose
// records are decoded.
const PostCollection = "app.bsky.feed.post"

// EventKind tags the variants of the remote repository event log.
type EventKind string

const (
	KindCommit   EventKind = "commit"
	KindIdentity EventKind = "identity"
	KindAccount  EventKind = "account"
	KindSync     EventKind = "sync"
	KindInfo     EventKind = "info"
	KindUnknown  EventKind = "unknown"
)

// RepoEvent is a decoded frame of the event log. Only commits carry Ops.
type RepoEvent struct {
	Kind EventKind

	// Seq is the position of the event in the remote log. For Jetstream it is
	// the event's time_us. Zero means the frame carried no position.
	Seq int64

	// Repo is the DID of the repository the event belongs to.
	Repo string

	Time time.Time
	Ops  []Operation
}

// Action is the kind of change an operation applies to a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is a single record mutation inside a commit.
type Operation struct {
	Action Action

	// Position is the index of the operation within its commit.
	Position int

	URI        string
	CID        string
	Collection string
	RKey       string

	// Record is set for creates and updates, nil for deletes.
	Record Record
}

// Record is the decoded payload of a create. It is either a *PostRecord or
// an *OpaqueRecord.
type Record interface {
	NSID() string
	isRecord()
}

// PostRecord is the parsed content of an app.bsky.feed.post record.
type PostRecord struct {
	Text      string    `json:"text" cbor:"text"`
	CreatedAt string    `json:"createdAt" cbor:"createdAt"`
	Langs     []string  `json:"langs,omitempty" cbor:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty" cbor:"reply,omitempty"`
}

func (*PostRecord) NSID() string { return PostCollection }
func (*PostRecord) isRecord()    {}

// ReplyRef contains references to the parent and root of a reply chain.
type ReplyRef struct {
	Root   StrongRef `json:"root" cbor:"root"`
	Parent StrongRef `json:"parent" cbor:"parent"`
}

// StrongRef is a reference to a specific version of a record.
type StrongRef struct {
	URI string `json:"uri" cbor:"uri"`
	CID string `json:"cid" cbor:"cid"`
}

// OpaqueRecord is a record from a collection we do not inspect.
type OpaqueRecord struct {
	Collection string
	Raw        []byte
}

func (r *OpaqueRecord) NSID() string { return r.Collection }
func (*OpaqueRecord) isRecord()      {}

// RecordURI builds the AT-URI for a record in repo.
func RecordURI(repo, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", repo, collection, rkey)
}

// splitPath splits a repo path "collection/rkey".
func splitPath(path string) (collection, rkey string, err error) {
	collection, rkey, ok := strings.Cut(path, "/")
	if !ok || collection == "" || rkey == "" {
		return "", "", fmt.Errorf("malformed repo path %q", path)
	}
	return collection, rkey, nil
}

// DecodeError reports a frame that could not be decoded. The frame is skipped;
// Seq is its position when it could still be recovered, zero otherwise.
type DecodeError struct {
	Seq int64
	Err error
}

func (e *DecodeError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("decode frame seq=%d: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError is an error frame sent by the remote log. It ends the session.
type StreamError struct {
	Name    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "stream error: " + e.Name
	}
	return fmt.Sprintf("stream error: %s: %s", e.Name, e.Message)
}

func decodeErr(seq int64, format string, args ...any) *DecodeError {
	return &DecodeError{Seq: seq, Err: fmt.Errorf(format, args...)}
}

// IsDecodeError reports whether err is a skippable frame decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
