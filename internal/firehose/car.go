package firehose

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// cborTagLink is the CBOR tag DAG-CBOR uses for CID links.
const cborTagLink = 42

// decMode decodes DAG-CBOR frames and blocks. Unknown fields are ignored so
// new lexicon fields do not break decoding.
var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("firehose: CBOR decoder initialization failed: " + err.Error())
	}
}

// Link is a DAG-CBOR CID link (tag 42 wrapping a 0x00-prefixed binary CID).
type Link struct {
	CID cid.Cid
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("cid link: %w", err)
	}
	if tag.Number != cborTagLink {
		return fmt.Errorf("cid link: unexpected tag %d", tag.Number)
	}
	var raw []byte
	if err := decMode.Unmarshal(tag.Content, &raw); err != nil {
		return fmt.Errorf("cid link: %w", err)
	}
	if len(raw) < 2 || raw[0] != 0x00 {
		return fmt.Errorf("cid link: missing multibase identity prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return fmt.Errorf("cid link: %w", err)
	}
	l.CID = c
	return nil
}

// String returns the base32 string form of the CID.
func (l *Link) String() string {
	if l == nil || !l.CID.Defined() {
		return ""
	}
	return l.CID.String()
}

type carHeader struct {
	Roots   []Link `cbor:"roots"`
	Version uint64 `cbor:"version"`
}

// readCAR parses a CARv1 payload into its blocks keyed by CID.
func readCAR(data []byte) (map[cid.Cid][]byte, error) {
	hdrLen, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("car: bad header length")
	}
	data = data[n:]
	if uint64(len(data)) < hdrLen {
		return nil, fmt.Errorf("car: truncated header")
	}

	var hdr carHeader
	if err := decMode.Unmarshal(data[:hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("car: header: %w", err)
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("car: unsupported version %d", hdr.Version)
	}
	data = data[hdrLen:]

	blocks := make(map[cid.Cid][]byte)
	for len(data) > 0 {
		secLen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("car: bad section length")
		}
		data = data[n:]
		if uint64(len(data)) < secLen {
			return nil, fmt.Errorf("car: truncated section")
		}
		section := data[:secLen]
		data = data[secLen:]

		read, c, err := cid.CidFromBytes(section)
		if err != nil {
			return nil, fmt.Errorf("car: section cid: %w", err)
		}
		blocks[c] = section[read:]
	}
	return blocks, nil
}
