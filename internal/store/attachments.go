// Attachment processing for new revisions.
//
// An "_attachments" entry in an incoming body is one of three things:
// inline data (base64 in "data"), a follower ("follows": true with a
// digest whose bytes were handed to the store out of band), or a stub,
// which inherits the parent revision's stored attachment without
// re-storing any bytes. Attachment bytes live in the content-addressed
// blob store; this file only manages the per-sequence metadata rows.
package store

import (
	"bytes"
	"encoding/base64"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/perchdb/perch/internal/blob"
	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

const encodingGzip = "gzip"

// pendingAttachments holds blob writers handed to the store before the
// revision referencing them is inserted (the "follows" flow used by
// replication payloads). Keyed by SHA-1 digest string.
type pendingAttachments struct {
	mu      sync.Mutex
	writers map[string]*blob.Writer
}

func newPendingAttachments() *pendingAttachments {
	return &pendingAttachments{writers: make(map[string]*blob.Writer)}
}

func (p *pendingAttachments) remember(w *blob.Writer) string {
	digest := w.Finish().DigestString()
	p.mu.Lock()
	p.writers[digest] = w
	p.mu.Unlock()
	return digest
}

func (p *pendingAttachments) take(digest string) (*blob.Writer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writers[digest]
	if ok {
		delete(p.writers, digest)
	}
	return w, ok
}

// RememberAttachmentWriter registers a finished blob writer so a later
// ForceInsert can reference its digest via "follows".
func (s *Store) RememberAttachmentWriter(w *blob.Writer) string {
	return s.pendingAtts.remember(w)
}

// processAttachments stores or copies forward every attachment named
// in the new revision's body and writes the metadata rows for newSeq.
// Attachment failures abort the whole surrounding transaction.
func (s *Store) processAttachments(txn *badger.Txn, body Body, generation int, newSeq, parentSeq uint64, deleted bool) error {
	if deleted || body == nil {
		return nil
	}
	raw, ok := body["_attachments"]
	if !ok {
		return nil
	}
	attachments, ok := raw.(map[string]any)
	if !ok {
		return status.New(status.BadAttachment, "_attachments is not an object")
	}

	for name, entryRaw := range attachments {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			return status.New(status.BadAttachment, "attachment %q is not an object", name)
		}
		if err := s.processAttachment(txn, name, entry, generation, newSeq, parentSeq); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) processAttachment(txn *badger.Txn, name string, entry map[string]any, generation int, newSeq, parentSeq uint64) error {
	revpos := generation
	if v, ok := entry["revpos"]; ok {
		if f, isNum := v.(float64); isNum {
			revpos = int(f)
		}
	}
	if revpos > generation {
		return status.New(status.BadAttachment, "attachment %q revpos %d beyond generation %d", name, revpos, generation)
	}
	contentType, _ := entry["content_type"].(string)
	encoding, _ := entry["encoding"].(string)
	if encoding != "" && encoding != encodingGzip {
		return status.New(status.BadEncoding, "attachment %q has unknown encoding %q", name, encoding)
	}

	if dataB64, ok := entry["data"].(string); ok {
		// Inline data: decode and store the bytes now.
		data, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return status.New(status.BadEncoding, "attachment %q: bad base64: %v", name, err)
		}
		return s.insertAttachment(txn, newSeq, name, data, contentType, encoding, revpos)
	}

	if follows, _ := entry["follows"].(bool); follows {
		// Bytes were handed over separately; match them up by digest.
		digest, _ := entry["digest"].(string)
		w, ok := s.pendingAtts.take(digest)
		if !ok {
			return status.New(status.BadAttachment, "attachment %q: no pending writer for digest %q", name, digest)
		}
		s.txnWriters = append(s.txnWriters, w)
		att := Attachment{
			ContentType: contentType,
			Digest:      digest,
			Length:      w.Length(),
			Encoding:    encoding,
			RevPos:      revpos,
		}
		if encoding != "" {
			// The blob holds encoded bytes; the entry carries the
			// decoded length when the sender knows it.
			att.EncodedLength = w.Length()
			if f, ok := entry["length"].(float64); ok {
				att.Length = int64(f)
			}
		}
		return putAttachmentRow(txn, newSeq, name, &att)
	}

	// A plain stub: inherit the parent revision's attachment.
	return s.copyAttachment(txn, name, parentSeq, newSeq)
}

// insertAttachment writes bytes to the blob store and the metadata row
// for (seq, name). The blob is installed when the transaction commits.
func (s *Store) insertAttachment(txn *badger.Txn, seq uint64, name string, data []byte, contentType, encoding string, revpos int) error {
	length := int64(len(data))
	var encodedLength int64
	if encoding == encodingGzip {
		// Inline gzip data arrives already encoded; record both sizes.
		decoded, err := gunzip(data)
		if err != nil {
			return status.New(status.BadEncoding, "attachment %q: bad gzip data: %v", name, err)
		}
		encodedLength = length
		length = int64(len(decoded))
	}

	w := s.blobs.NewWriter()
	w.Append(data)
	key := w.Finish()
	s.txnWriters = append(s.txnWriters, w)

	att := Attachment{
		ContentType:   contentType,
		Digest:        key.DigestString(),
		Length:        length,
		Encoding:      encoding,
		EncodedLength: encodedLength,
		RevPos:        revpos,
	}
	return putAttachmentRow(txn, seq, name, &att)
}

// copyAttachment copies the metadata row for name from one sequence to
// another, reusing the stored blob.
func (s *Store) copyAttachment(txn *badger.Txn, name string, fromSeq, toSeq uint64) error {
	if fromSeq == 0 {
		return status.New(status.BadAttachment, "attachment %q: stub has no parent revision", name)
	}
	raw, err := kvstore.GetTxn(txn, attachKey(fromSeq, name))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return status.New(status.BadAttachment, "attachment %q: stub refers to missing attachment", name)
		}
		return err
	}
	return txn.Set(attachKey(toSeq, name), raw)
}

func putAttachmentRow(txn *badger.Txn, seq uint64, name string, att *Attachment) error {
	raw, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return txn.Set(attachKey(seq, name), raw)
}

// AttachmentsForSequence loads the attachment metadata rows of a
// revision, keyed by name.
func (s *Store) AttachmentsForSequence(seq uint64) (map[string]*Attachment, error) {
	var result map[string]*Attachment
	err := s.withReadTxn(func(txn *badger.Txn) error {
		var err error
		result, err = attachmentsForSequence(txn, seq)
		return err
	})
	return result, err
}

func attachmentsForSequence(txn *badger.Txn, seq uint64) (map[string]*Attachment, error) {
	prefix := attachPrefix(seq)
	result := make(map[string]*Attachment)
	err := kvstore.ScanPrefix(txn, prefix, func(key, value []byte) error {
		var att Attachment
		if err := json.Unmarshal(value, &att); err != nil {
			return err
		}
		att.Name = string(key[len(prefix):])
		result[att.Name] = &att
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAttachment returns the decoded bytes and metadata of a named
// attachment on a stored revision.
func (s *Store) GetAttachment(rev *Revision, name string) ([]byte, *Attachment, error) {
	atts, err := s.AttachmentsForSequence(rev.Sequence)
	if err != nil {
		return nil, nil, err
	}
	att, ok := atts[name]
	if !ok {
		return nil, nil, status.New(status.NotFound, "no attachment %q on %s %s", name, rev.DocID, rev.RevID)
	}
	key, ok := blob.ParseDigest(att.Digest)
	if !ok {
		return nil, nil, status.New(status.BadAttachment, "attachment %q has malformed digest %q", name, att.Digest)
	}
	data, err := s.blobs.Read(key)
	if err != nil {
		return nil, nil, status.New(status.NotFound, "attachment %q: %v", name, err)
	}
	if att.Encoding == encodingGzip {
		data, err = gunzip(data)
		if err != nil {
			return nil, nil, status.New(status.BadEncoding, "attachment %q: %v", name, err)
		}
	}
	return data, att, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attachmentDict synthesizes the "_attachments" metadata dictionary
// for a revision body read, as stubs.
func attachmentDict(atts map[string]*Attachment) map[string]any {
	dict := make(map[string]any, len(atts))
	for name, att := range atts {
		entry := map[string]any{
			"stub":   true,
			"digest": att.Digest,
			"length": att.Length,
			"revpos": att.RevPos,
		}
		if att.ContentType != "" {
			entry["content_type"] = att.ContentType
		}
		if att.Encoding != "" {
			entry["encoding"] = att.Encoding
			entry["encoded_length"] = att.EncodedLength
		}
		dict[name] = entry
	}
	return dict
}
