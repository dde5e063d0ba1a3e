package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

func TestForceInsertWithFullHistory(t *testing.T) {
	s := newTestStore(t)

	rev := &Revision{DocID: "doc1", RevID: "4-foxy", Body: Body{"v": float64(4)}}
	history := []string{"4-foxy", "3-thrice", "2-too", "1-won"}
	require.NoError(t, s.ForceInsert(rev, history, "remote"))

	got, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "4-foxy", got.RevID)
	assert.Equal(t, float64(4), got.Body["v"])

	// All four revisions exist; the ancestors are bodyless phantoms.
	full, err := s.RevisionHistory(got)
	require.NoError(t, err)
	require.Len(t, full, 4)
	assert.Equal(t, "4-foxy", full[0].RevID)
	assert.Equal(t, "1-won", full[3].RevID)
	assert.True(t, full[0].BodyAvailable)
	for _, ancestor := range full[1:] {
		assert.False(t, ancestor.BodyAvailable)
	}
	assert.Equal(t, uint64(4), s.LastSequence())
}

func TestForceInsertGraftsOntoKnownHistory(t *testing.T) {
	s := newTestStore(t)

	first := &Revision{DocID: "doc1", RevID: "4-foxy", Body: Body{"v": float64(4)}}
	require.NoError(t, s.ForceInsert(first, []string{"4-foxy", "3-thrice", "2-too", "1-won"}, "remote"))

	// The second insert shares "2-too" and "1-won"; only the three new
	// ids are written.
	second := &Revision{DocID: "doc1", RevID: "5-epsilon", Body: Body{"v": float64(5)}}
	require.NoError(t, s.ForceInsert(second, []string{"5-epsilon", "4-delta", "3-gamma", "2-too", "1-won"}, "remote"))

	assert.Equal(t, uint64(7), s.LastSequence())

	// The branches conflict; the higher generation wins.
	got, err := s.GetRevision("doc1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "5-epsilon", got.RevID)

	leaves, err := s.CurrentRevisions("doc1")
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, "5-epsilon", leaves[0].RevID)
	assert.Equal(t, "4-foxy", leaves[1].RevID)
}

func TestForceInsertDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)

	rev := &Revision{DocID: "doc1", RevID: "2-b", Body: Body{"v": float64(2)}}
	require.NoError(t, s.ForceInsert(rev, []string{"2-b", "1-a"}, ""))
	seq := s.LastSequence()

	again := &Revision{DocID: "doc1", RevID: "2-b", Body: Body{"v": float64(2)}}
	require.NoError(t, s.ForceInsert(again, []string{"2-b", "1-a"}, ""))
	assert.Equal(t, seq, s.LastSequence())
}

func TestForceInsertExtendsLocalBranch(t *testing.T) {
	s := newTestStore(t)

	local, err := s.PutRevision("doc1", Body{"v": float64(1)}, "", false)
	require.NoError(t, err)

	remote := &Revision{DocID: "doc1", RevID: "2-remote", Body: Body{"v": float64(2)}}
	require.NoError(t, s.ForceInsert(remote, []string{"2-remote", local.RevID}, "pull"))

	// The old local leaf stopped being current.
	leaves, err := s.CurrentRevisions("doc1")
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "2-remote", leaves[0].RevID)
}

func TestForceInsertValidation(t *testing.T) {
	s := newTestStore(t)

	rev := &Revision{DocID: "doc1", RevID: "2-b", Body: Body{}}
	err := s.ForceInsert(rev, []string{"9-wrong", "1-a"}, "")
	assert.True(t, status.Is(err, status.BadRequest))

	bad := &Revision{DocID: "", RevID: "1-a", Body: Body{}}
	err = s.ForceInsert(bad, nil, "")
	assert.True(t, status.Is(err, status.BadRequest))
}

func TestForceInsertChangeCarriesSource(t *testing.T) {
	s := newTestStore(t)

	var seen []Change
	s.AddChangeListener(func(c Change) { seen = append(seen, c) })

	rev := &Revision{DocID: "doc1", RevID: "1-a", Body: Body{"v": float64(1)}}
	require.NoError(t, s.ForceInsert(rev, nil, "https://peer.example/db"))

	require.Len(t, seen, 1)
	assert.Equal(t, "https://peer.example/db", seen[0].Source)
	assert.True(t, seen[0].IsWinner)
}
