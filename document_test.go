package perch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func TestDocumentHandleLifecycle(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.Document("note")
	require.NoError(t, err)
	assert.Equal(t, "note", doc.ID())
	assert.False(t, doc.Exists())
	assert.Empty(t, doc.CurrentRevisionID())

	rev, err := doc.Put(Body{"text": "first"})
	require.NoError(t, err)
	assert.True(t, doc.Exists())
	assert.Equal(t, rev.RevID, doc.CurrentRevisionID())

	props, err := doc.Properties()
	require.NoError(t, err)
	assert.Equal(t, "first", props["text"])

	// Put without _rev replaces the cached current revision.
	rev2, err := doc.Put(Body{"text": "second"})
	require.NoError(t, err)
	assert.NotEqual(t, rev.RevID, rev2.RevID)

	require.NoError(t, doc.Delete())
	assert.False(t, doc.Exists())

	// Deleting an already deleted document is a no-op.
	require.NoError(t, doc.Delete())
}

func TestDocumentHandlesAreShared(t *testing.T) {
	db := openTestDB(t)

	a, err := db.Document("shared")
	require.NoError(t, err)
	b, err := db.Document("shared")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestDocumentInvalidatedByDirectWrite(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.Document("watched")
	require.NoError(t, err)
	rev, err := doc.Put(Body{"n": float64(1)})
	require.NoError(t, err)

	// A write that bypasses the handle still refreshes it.
	rev2, err := db.PutRevision("watched", Body{"n": float64(2)}, rev.RevID, false)
	require.NoError(t, err)
	assert.Equal(t, rev2.RevID, doc.CurrentRevisionID())

	props, err := doc.Properties()
	require.NoError(t, err)
	assert.Equal(t, float64(2), props["n"])
}

func TestExistingDocument(t *testing.T) {
	db := openTestDB(t)

	_, err := db.ExistingDocument("absent")
	assert.True(t, status.Is(err, status.NotFound))

	_, err = db.PutRevision("present", Body{"x": true}, "", false)
	require.NoError(t, err)
	doc, err := db.ExistingDocument("present")
	require.NoError(t, err)
	assert.True(t, doc.Exists())
}

func TestDocumentPurge(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.Document("ephemeral")
	require.NoError(t, err)
	_, err = doc.Put(Body{"x": float64(1)})
	require.NoError(t, err)

	require.NoError(t, doc.Purge())

	// Purge leaves no tombstone behind.
	_, err = db.GetRevision("ephemeral", "", 0)
	assert.True(t, status.Is(err, status.NotFound))
	changes, err := db.ChangesSince(0, ChangesOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDocumentCacheEviction(t *testing.T) {
	db, err := Open(Config{Path: t.TempDir(), DocCacheSize: 2})
	require.NoError(t, err)
	defer db.Close(context.Background())

	a, err := db.Document("a")
	require.NoError(t, err)
	_, err = db.Document("b")
	require.NoError(t, err)
	_, err = db.Document("c")
	require.NoError(t, err)

	// "a" was the least recently used handle and fell out.
	a2, err := db.Document("a")
	require.NoError(t, err)
	assert.NotSame(t, a, a2)
}
