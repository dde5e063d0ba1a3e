package store

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func putWithAttachment(t *testing.T, s *Store, docID, prevRevID, name string, content []byte) *Revision {
	t.Helper()
	rev, err := s.PutRevision(docID, Body{
		"_attachments": map[string]any{
			name: map[string]any{
				"data":         base64.StdEncoding.EncodeToString(content),
				"content_type": "text/html",
			},
		},
	}, prevRevID, false)
	require.NoError(t, err)
	return rev
}

func TestInlineAttachmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("<html>hi</html>")
	rev := putWithAttachment(t, s, "doc1", "", "index.html", content)

	data, att, err := s.GetAttachment(rev, "index.html")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "text/html", att.ContentType)
	assert.Equal(t, int64(len(content)), att.Length)
	assert.Equal(t, 1, att.RevPos)
	assert.Contains(t, att.Digest, "sha1-")

	// Reads synthesize an "_attachments" stub dictionary.
	got, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	atts, ok := got.Body["_attachments"].(map[string]any)
	require.True(t, ok)
	entry, ok := atts["index.html"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, entry["stub"])
	assert.Equal(t, att.Digest, entry["digest"])
}

func TestStubCarriesAttachmentForward(t *testing.T) {
	s := newTestStore(t)
	content := []byte("attachment body")
	rev1 := putWithAttachment(t, s, "doc1", "", "file.txt", content)

	// An update that names the attachment without data inherits it.
	rev2, err := s.PutRevision("doc1", Body{
		"other": "field",
		"_attachments": map[string]any{
			"file.txt": map[string]any{"stub": true, "revpos": float64(1)},
		},
	}, rev1.RevID, false)
	require.NoError(t, err)

	data, att, err := s.GetAttachment(rev2, "file.txt")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, 1, att.RevPos)

	// Dropping the entry drops the attachment.
	rev3, err := s.PutRevision("doc1", Body{"other": "field"}, rev2.RevID, false)
	require.NoError(t, err)
	_, _, err = s.GetAttachment(rev3, "file.txt")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestStubWithoutParentFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"file.txt": map[string]any{"stub": true},
		},
	}, "", false)
	assert.True(t, status.Is(err, status.BadAttachment))
}

func TestAttachmentRevPosValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"file.txt": map[string]any{
				"data":   base64.StdEncoding.EncodeToString([]byte("x")),
				"revpos": float64(5),
			},
		},
	}, "", false)
	assert.True(t, status.Is(err, status.BadAttachment))
}

func TestAttachmentEncodingValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"file.txt": map[string]any{
				"data":     base64.StdEncoding.EncodeToString([]byte("x")),
				"encoding": "zstd",
			},
		},
	}, "", false)
	assert.True(t, status.Is(err, status.BadEncoding))

	_, err = s.PutRevision("doc2", Body{
		"_attachments": map[string]any{
			"file.txt": map[string]any{"data": "not!!base64"},
		},
	}, "", false)
	assert.True(t, status.Is(err, status.BadEncoding))
}

func TestGzipEncodedAttachment(t *testing.T) {
	s := newTestStore(t)
	plain := []byte("some compressible content, some compressible content")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rev, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"data.gz": map[string]any{
				"data":     base64.StdEncoding.EncodeToString(buf.Bytes()),
				"encoding": "gzip",
			},
		},
	}, "", false)
	require.NoError(t, err)

	// Reads hand back the decoded bytes; the metadata records both
	// sizes.
	data, att, err := s.GetAttachment(rev, "data.gz")
	require.NoError(t, err)
	assert.Equal(t, plain, data)
	assert.Equal(t, "gzip", att.Encoding)
	assert.Equal(t, int64(len(plain)), att.Length)
	assert.Equal(t, int64(buf.Len()), att.EncodedLength)
}

func TestFollowsAttachment(t *testing.T) {
	s := newTestStore(t)
	content := []byte("streamed separately")

	w := s.Blobs().NewWriter()
	w.Append(content)
	digest := s.RememberAttachmentWriter(w)

	rev := &Revision{DocID: "doc1", RevID: "1-aaaa", Body: Body{
		"_attachments": map[string]any{
			"payload.bin": map[string]any{
				"follows":      true,
				"digest":       digest,
				"content_type": "application/octet-stream",
			},
		},
	}}
	require.NoError(t, s.ForceInsert(rev, nil, "remote"))

	got, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	data, att, err := s.GetAttachment(got, "payload.bin")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, digest, att.Digest)
	assert.Equal(t, int64(len(content)), att.Length)
}

func TestFollowsWithoutWriterFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"missing.bin": map[string]any{"follows": true, "digest": "sha1-bogus"},
		},
	}, "", false)
	assert.True(t, status.Is(err, status.BadAttachment))
}

func TestCorruptAttachmentRowFailsRead(t *testing.T) {
	s := newTestStore(t)
	rev := putWithAttachment(t, s, "doc1", "", "file.txt", []byte("content"))

	// A body read must report the fault, not return a body without its
	// "_attachments" dictionary.
	require.NoError(t, s.KV().Set(attachKey(rev.Sequence, "file.txt"), []byte("{not json")))
	_, err := s.GetRevision("doc1", "", 0)
	assert.Error(t, err)
}

func TestIdenticalAttachmentContentSharesBlob(t *testing.T) {
	s := newTestStore(t)
	content := []byte("shared bytes")
	putWithAttachment(t, s, "doc1", "", "a.txt", content)
	putWithAttachment(t, s, "doc2", "", "b.txt", content)

	n, err := s.Blobs().Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
