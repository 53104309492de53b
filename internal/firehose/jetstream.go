package firehose

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
)

// wantedCollections is the set of AT Proto collection NSIDs requested from
// Jetstream. Only post events are needed for feed matching.
var wantedCollections = []string{
	PostCollection,
}

// JetstreamProtocol decodes Jetstream JSON events. Each event carries at most
// one operation and its time_us is used as the cursor.
type JetstreamProtocol struct {
	zstd *zstd.Decoder
}

// NewJetstreamProtocol returns a Jetstream decoder. When dict is non-empty,
// compressed frames are requested and decoded with that zstd dictionary.
func NewJetstreamProtocol(dict []byte) (*JetstreamProtocol, error) {
	p := &JetstreamProtocol{}
	if len(dict) == 0 {
		return p, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(dict))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	p.zstd = dec
	return p, nil
}

// Name implements Protocol.
func (p *JetstreamProtocol) Name() string { return "jetstream" }

// SubscribeURL implements Protocol.
func (p *JetstreamProtocol) SubscribeURL(endpoint string, cursor int64, ok bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	q.Del("wantedCollections")
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if ok && cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	} else {
		q.Del("cursor")
	}
	if p.zstd != nil {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type jetstreamEvent struct {
	DID    string          `json:"did"`
	TimeUS int64           `json:"time_us"`
	Kind   string          `json:"kind"`
	Commit json.RawMessage `json:"commit,omitempty"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// Decode implements Protocol.
func (p *JetstreamProtocol) Decode(frame []byte) (*RepoEvent, error) {
	if p.zstd != nil {
		plain, err := p.zstd.DecodeAll(frame, nil)
		if err != nil {
			return nil, decodeErr(0, "zstd: %w", err)
		}
		frame = plain
	}

	var raw jetstreamEvent
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, decodeErr(0, "unmarshal event: %w", err)
	}

	event := &RepoEvent{
		Seq:  raw.TimeUS,
		Repo: raw.DID,
		Time: time.UnixMicro(raw.TimeUS).UTC(),
	}

	switch raw.Kind {
	case "commit":
		event.Kind = KindCommit
	case "identity":
		event.Kind = KindIdentity
		return event, nil
	case "account":
		event.Kind = KindAccount
		return event, nil
	default:
		event.Kind = KindUnknown
		return event, nil
	}
	if len(raw.Commit) == 0 {
		return event, nil
	}

	var rc jetstreamCommit
	if err := json.Unmarshal(raw.Commit, &rc); err != nil {
		return nil, decodeErr(raw.TimeUS, "unmarshal commit: %w", err)
	}

	op := Operation{
		Action:     Action(rc.Operation),
		URI:        RecordURI(raw.DID, rc.Collection, rc.RKey),
		CID:        rc.CID,
		Collection: rc.Collection,
		RKey:       rc.RKey,
	}
	switch op.Action {
	case ActionDelete:
	case ActionCreate, ActionUpdate:
		if len(rc.Record) == 0 {
			return event, nil
		}
		if rc.Collection == PostCollection {
			var record PostRecord
			if err := json.Unmarshal(rc.Record, &record); err != nil {
				return nil, decodeErr(raw.TimeUS, "unmarshal post record: %w", err)
			}
			op.Record = &record
		} else {
			op.Record = &OpaqueRecord{Collection: rc.Collection, Raw: rc.Record}
		}
	default:
		return nil, decodeErr(raw.TimeUS, "unknown operation %q", rc.Operation)
	}

	event.Ops = []Operation{op}
	return event, nil
}
