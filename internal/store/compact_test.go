package store

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func TestCompactStripsOldBodies(t *testing.T) {
	s := newTestStore(t)

	rev1, err := s.PutRevision("doc1", Body{"v": float64(1)}, "", false)
	require.NoError(t, err)
	rev2, err := s.PutRevision("doc1", Body{"v": float64(2)}, rev1.RevID, false)
	require.NoError(t, err)

	before, err := s.GetRevision("doc1", rev1.RevID, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(1), before.Body["v"])

	require.NoError(t, s.Compact())

	// The current winner keeps its body; the replaced revision keeps
	// its place in the tree but the body is gone for good.
	winner, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, rev2.RevID, winner.RevID)
	assert.Equal(t, float64(2), winner.Body["v"])

	old, err := s.GetRevision("doc1", rev1.RevID, 0)
	require.NoError(t, err)
	assert.False(t, old.BodyAvailable)
	assert.Nil(t, old.Body)

	history, err := s.RevisionHistory(winner)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCompactPrunesDeepHistory(t *testing.T) {
	s := newTestStoreDepth(t, 3)

	rev, err := s.PutRevision("doc1", Body{"n": float64(0)}, "", false)
	require.NoError(t, err)
	for i := 1; i < 8; i++ {
		rev, err = s.PutRevision("doc1", Body{"n": float64(i)}, rev.RevID, false)
		require.NoError(t, err)
	}

	require.NoError(t, s.Compact())

	winner, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	history, err := s.RevisionHistory(winner)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, 8, RevIDGeneration(history[0].RevID))
	assert.Equal(t, 6, RevIDGeneration(history[2].RevID))
}

// Pruning cuts by generation relative to the deepest branch of the
// whole document, so a conflicting branch shorter than the depth limit
// still loses its ancestry. Documented behavior, pinned here.
func TestCompactPrunesShortConflictBranch(t *testing.T) {
	s := newTestStoreDepth(t, 3)

	long := &Revision{DocID: "doc1", RevID: "6-long", Body: Body{"branch": "long"}}
	require.NoError(t, s.ForceInsert(long,
		[]string{"6-long", "5-e", "4-d", "3-c", "2-b", "1-a"}, ""))
	short := &Revision{DocID: "doc1", RevID: "2-short", Body: Body{"branch": "short"}}
	require.NoError(t, s.ForceInsert(short, []string{"2-short", "1-a"}, ""))

	require.NoError(t, s.Compact())

	// The short leaf survives (it is current) but its ancestor is gone.
	shortRev, err := s.GetRevision("doc1", "2-short", 0)
	require.NoError(t, err)
	shortHistory, err := s.RevisionHistory(shortRev)
	require.NoError(t, err)
	assert.Len(t, shortHistory, 1)

	longRev, err := s.GetRevision("doc1", "6-long", 0)
	require.NoError(t, err)
	longHistory, err := s.RevisionHistory(longRev)
	require.NoError(t, err)
	assert.Len(t, longHistory, 3)
}

func TestCompactCollectsOrphanedAttachments(t *testing.T) {
	s := newTestStore(t)

	rev1, err := s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"old.txt": map[string]any{
				"data":         base64.StdEncoding.EncodeToString([]byte("old content")),
				"content_type": "text/plain",
			},
		},
	}, "", false)
	require.NoError(t, err)

	// Replace the attachment entirely in the next revision.
	_, err = s.PutRevision("doc1", Body{
		"_attachments": map[string]any{
			"new.txt": map[string]any{
				"data":         base64.StdEncoding.EncodeToString([]byte("new content")),
				"content_type": "text/plain",
			},
		},
	}, rev1.RevID, false)
	require.NoError(t, err)

	n, err := s.Blobs().Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Compact())

	// Only the blob referenced by the current revision survives.
	n, err = s.Blobs().Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	winner, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	data, att, err := s.GetAttachment(winner, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("new content"), data)
	assert.Equal(t, "text/plain", att.ContentType)

	_, _, err = s.GetAttachment(winner, "old.txt")
	assert.True(t, status.Is(err, status.NotFound))
}
