package store

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Body is a parsed document body. Keys beginning with "_" are
// metadata synthesized on read, never persisted as user data.
type Body map[string]any

// Reserved metadata keys. A body handed to PutRevision may carry
// these; they are interpreted and stripped before persisting.
var reservedKeys = map[string]struct{}{
	"_id":                {},
	"_rev":               {},
	"_deleted":           {},
	"_attachments":       {},
	"_revisions":         {},
	"_revs_info":         {},
	"_conflicts":         {},
	"_deleted_conflicts": {},
	"_local_seq":         {},
}

// stripReserved returns a copy of body without reserved keys.
func stripReserved(body Body) Body {
	out := make(Body, len(body))
	for k, v := range body {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// Revision is one node of a document's revision tree. Body is nil when
// the revision is a phantom ancestor or its body was removed by
// compaction; BodyAvailable distinguishes "no body stored" from an
// empty body.
type Revision struct {
	DocID          string
	RevID          string
	Deleted        bool
	Sequence       uint64
	ParentSequence uint64
	Body           Body
	BodyAvailable  bool
}

func (r *Revision) Generation() int {
	return RevIDGeneration(r.RevID)
}

// Change is a single entry of the change notification feed. Source is
// empty for purely local writes and carries the source tag for
// externally replicated inserts.
type Change struct {
	DocID    string
	RevID    string
	Sequence uint64
	IsWinner bool
	Conflict bool
	Deleted  bool
	Source   string
}

// Attachment metadata as persisted per (sequence, name).
type Attachment struct {
	Name          string `json:"-"`
	ContentType   string `json:"content_type,omitempty"`
	Digest        string `json:"digest"`
	Length        int64  `json:"length"`
	EncodedLength int64  `json:"encoded_length,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	RevPos        int    `json:"revpos"`
}

// ValidateFunc inspects a proposed revision before it is accepted.
// Returning a non-empty string rejects the write with Forbidden and
// that message. parent is nil for a document's first revision.
type ValidateFunc func(newRev *Revision, parent *Revision) (rejectionMsg string)

// ChangesFilter excludes individual revisions from a changes feed.
type ChangesFilter func(rev *Revision) bool

// persisted row shapes ------------------------------------------------

type revRow struct {
	DocNum  uint64          `json:"doc"`
	RevID   string          `json:"rev"`
	Parent  uint64          `json:"parent,omitempty"`
	Current bool            `json:"current"`
	Deleted bool            `json:"deleted,omitempty"`
	HasBody bool            `json:"has_body"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type localRow struct {
	RevID string          `json:"rev"`
	Body  json.RawMessage `json:"body"`
}

func encodeRevRow(row *revRow) ([]byte, error) {
	return json.Marshal(row)
}

func decodeRevRow(raw []byte) (*revRow, error) {
	var row revRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// revisionFromRow builds the public Revision for a stored row. The
// body stays unparsed unless withBody is set.
func revisionFromRow(docID string, seq uint64, row *revRow, withBody bool) (*Revision, error) {
	rev := &Revision{
		DocID:          docID,
		RevID:          row.RevID,
		Deleted:        row.Deleted,
		Sequence:       seq,
		ParentSequence: row.Parent,
		BodyAvailable:  row.HasBody,
	}
	if withBody && row.HasBody {
		var body Body
		if err := json.Unmarshal(row.Body, &body); err != nil {
			return nil, fmt.Errorf("store: parse body of %s %s: %w", docID, row.RevID, err)
		}
		rev.Body = body
	}
	return rev, nil
}
