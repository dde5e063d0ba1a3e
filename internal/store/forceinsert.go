package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/perchdb/perch/pkg/status"
)

// ForceInsert merges a revision whose ancestry is already known, as
// when an externally replicated edit arrives. history lists revision
// ids newest first and must start with rev's own id. Ancestors unknown
// locally are inserted as bodyless phantom revisions carrying only
// linkage; the leaf gets the real body and attachments. The previous
// local leaf on that branch stops being current. The change
// notification is tagged with source.
func (s *Store) ForceInsert(rev *Revision, history []string, source string) error {
	if !IsValidDocumentID(rev.DocID) || rev.RevID == "" {
		return status.New(status.BadRequest, "invalid document id %q", rev.DocID)
	}
	if len(history) == 0 {
		history = []string{rev.RevID}
	} else if history[0] != rev.RevID {
		return status.New(status.BadRequest, "history head %q does not match revision %q", history[0], rev.RevID)
	}

	return s.inTxn(func(txn *badger.Txn) error {
		return s.forceInsert(txn, rev, history, source)
	})
}

func (s *Store) forceInsert(txn *badger.Txn, rev *Revision, history []string, source string) error {
	docNum, err := s.docNumOf(txn, rev.DocID, true)
	if err != nil {
		return err
	}
	seqs, rows, err := docRevisions(txn, docNum)
	if err != nil {
		return err
	}
	leaves := currentLeaves(seqs, rows)
	var prevWinnerID string
	var prevWasDeletion bool
	if len(leaves) > 0 {
		prevWinnerID = leaves[0].row.RevID
		prevWasDeletion = leaves[0].row.Deleted
	}

	byRevID := make(map[string]uint64, len(seqs))
	for _, seq := range seqs {
		byRevID[rows[seq].RevID] = seq
	}

	// Walk the history oldest to newest. Known ids just advance the
	// parent pointer; unknown ids are inserted, as phantoms except for
	// the leaf itself.
	var sequence uint64
	var localParentSeq uint64
	for i := len(history) - 1; i >= 0; i-- {
		revID := history[i]
		if seq, known := byRevID[revID]; known {
			sequence = seq
			localParentSeq = seq
			continue
		}
		isLeaf := i == 0
		var body Body
		deleted := false
		if isLeaf {
			body = rev.Body
			deleted = rev.Deleted
		}
		newSeq, err := s.insertRevisionRow(txn, docNum, revID, sequence, isLeaf, deleted, body)
		if err != nil {
			return err
		}
		if isLeaf {
			if err := s.processAttachments(txn, rev.Body, RevIDGeneration(revID), newSeq, localParentSeq, deleted); err != nil {
				return err
			}
			rev.Sequence = newSeq
			rev.ParentSequence = sequence
		}
		sequence = newSeq
	}

	if sequence == 0 || sequence == localParentSeq {
		// Nothing new was inserted; the leaf already existed.
		return nil
	}

	// The local revision the history grafted onto is no longer a leaf.
	if localParentSeq > 0 {
		if row := rows[localParentSeq]; row != nil && row.Current {
			row.Current = false
			if err := putRevRow(txn, localParentSeq, row); err != nil {
				return err
			}
		}
	}

	seqs, rows, err = docRevisions(txn, docNum)
	if err != nil {
		return err
	}
	leaves = currentLeaves(seqs, rows)
	winner := pickWinner(prevWinnerID, prevWasDeletion, rev.RevID, rev.Deleted, leaves)

	s.queueChange(Change{
		DocID:    rev.DocID,
		RevID:    rev.RevID,
		Sequence: rev.Sequence,
		IsWinner: winner == rev.RevID,
		Conflict: inConflict(leaves),
		Deleted:  rev.Deleted,
		Source:   source,
	})
	return nil
}
