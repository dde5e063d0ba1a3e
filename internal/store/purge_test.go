package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func TestPurgeWholeDocument(t *testing.T) {
	s := newTestStore(t)

	rev1, err := s.PutRevision("doc1", Body{"v": float64(1)}, "", false)
	require.NoError(t, err)
	_, err = s.PutRevision("doc1", Body{"v": float64(2)}, rev1.RevID, false)
	require.NoError(t, err)

	removed, err := s.Purge(map[string][]string{"doc1": {"*"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, removed["doc1"])

	// No tombstone: the document is simply gone.
	_, err = s.GetRevision("doc1", "", 0)
	assert.True(t, status.Is(err, status.NotFound))
	changes, err := s.ChangesSince(0, ChangesOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPurgeLeafRemovesExclusiveBranch(t *testing.T) {
	s := newTestStore(t)

	base := &Revision{DocID: "doc1", RevID: "3-keep", Body: Body{"branch": "keep"}}
	require.NoError(t, s.ForceInsert(base, []string{"3-keep", "2-shared", "1-root"}, ""))
	other := &Revision{DocID: "doc1", RevID: "4-gone", Body: Body{"branch": "gone"}}
	require.NoError(t, s.ForceInsert(other, []string{"4-gone", "3-mid", "2-shared", "1-root"}, ""))

	removed, err := s.Purge(map[string][]string{"doc1": {"4-gone"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"4-gone"}, removed["doc1"])

	// The purged branch is gone back to the shared ancestor; the other
	// branch and the shared spine survive.
	_, err = s.GetRevision("doc1", "4-gone", 0)
	assert.True(t, status.Is(err, status.NotFound))
	_, err = s.GetRevision("doc1", "3-mid", 0)
	assert.True(t, status.Is(err, status.NotFound))
	_, err = s.GetRevision("doc1", "2-shared", 0)
	assert.NoError(t, err)

	winner, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "3-keep", winner.RevID)
}

func TestPurgeIgnoresInteriorAndUnknownRevisions(t *testing.T) {
	s := newTestStore(t)

	rev1, err := s.PutRevision("doc1", Body{"v": float64(1)}, "", false)
	require.NoError(t, err)
	_, err = s.PutRevision("doc1", Body{"v": float64(2)}, rev1.RevID, false)
	require.NoError(t, err)

	removed, err := s.Purge(map[string][]string{
		"doc1":    {rev1.RevID, "9-unknown"},
		"missing": {"*"},
	})
	require.NoError(t, err)
	assert.Empty(t, removed["doc1"])
	assert.Empty(t, removed["missing"])

	// The interior revision is untouched.
	_, err = s.GetRevision("doc1", rev1.RevID, 0)
	assert.NoError(t, err)
}
