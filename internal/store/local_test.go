package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func TestLocalDocumentLifecycle(t *testing.T) {
	s := newTestStore(t)

	revID, err := s.PutLocal("_local/checkpoint", Body{"seq": float64(42)}, "")
	require.NoError(t, err)
	assert.Equal(t, "1-local", revID)

	body, err := s.GetLocal("_local/checkpoint")
	require.NoError(t, err)
	want := Body{"seq": float64(42), "_id": "_local/checkpoint", "_rev": "1-local"}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("local body mismatch (-want +got):\n%s", diff)
	}

	revID2, err := s.PutLocal("_local/checkpoint", Body{"seq": float64(99)}, revID)
	require.NoError(t, err)
	assert.Equal(t, "2-local", revID2)

	require.NoError(t, s.DeleteLocal("_local/checkpoint", revID2))
	_, err = s.GetLocal("_local/checkpoint")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestLocalDocumentConcurrencyChecks(t *testing.T) {
	s := newTestStore(t)

	revID, err := s.PutLocal("cp", Body{"n": float64(1)}, "")
	require.NoError(t, err)

	_, err = s.PutLocal("cp", Body{"n": float64(2)}, "7-local")
	assert.True(t, status.Is(err, status.Conflict))

	err = s.DeleteLocal("cp", "7-local")
	assert.True(t, status.Is(err, status.Conflict))

	err = s.DeleteLocal("nonexistent", "1-local")
	assert.True(t, status.Is(err, status.NotFound))

	_, err = s.PutLocal("other", Body{"n": float64(1)}, "1-local")
	assert.True(t, status.Is(err, status.NotFound))

	_, err = s.PutLocal("cp", nil, revID)
	assert.True(t, status.Is(err, status.BadRequest))
}

func TestLocalDocumentsInvisibleToChanges(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutLocal("cp", Body{"n": float64(1)}, "")
	require.NoError(t, err)

	changes, err := s.ChangesSince(0, ChangesOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, uint64(0), s.LastSequence())
}
