package store

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/perchdb/perch/pkg/status"
)

// IsValidDocumentID reports whether id may name a document. Ids
// beginning with "_" are reserved except for design documents.
func IsValidDocumentID(id string) bool {
	if id == "" {
		return false
	}
	if strings.HasPrefix(id, "_") {
		return strings.HasPrefix(id, "_design/")
	}
	return true
}

// PutRevision creates or updates a document. prevRevID is the revision
// being replaced, or "" for an insert. A body that is nil or carries
// "_deleted": true writes a tombstone. The new revision id is the
// parent's generation plus one with a fresh opaque token.
//
// Expected failure statuses: BadRequest (invalid id / linkage),
// NotFound (prevRevID names no revision and nothing current exists to
// conflict with), Conflict (stale prevRevID without allowConflict, or
// deletion without the right current id), Forbidden (a validation hook
// rejected the write).
func (s *Store) PutRevision(docID string, body Body, prevRevID string, allowConflict bool) (*Revision, error) {
	deleted := body == nil
	if !deleted {
		if d, ok := body["_deleted"].(bool); ok {
			deleted = d
		}
	}

	if docID == "" {
		if prevRevID != "" || deleted {
			return nil, status.New(status.BadRequest, "operation requires a document id")
		}
		docID = randomUUID()
	}
	if !IsValidDocumentID(docID) {
		return nil, status.New(status.BadRequest, "invalid document id %q", docID)
	}

	var result *Revision
	err := s.inTxn(func(txn *badger.Txn) error {
		rev, err := s.putRevision(txn, docID, body, prevRevID, allowConflict, deleted)
		result = rev
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) putRevision(txn *badger.Txn, docID string, body Body, prevRevID string, allowConflict, deleted bool) (*Revision, error) {
	docNum, docExists, err := s.lookupDocNum(txn, docID)
	if err != nil {
		return nil, err
	}

	var seqs []uint64
	rows := map[uint64]*revRow{}
	if docExists {
		if seqs, rows, err = docRevisions(txn, docNum); err != nil {
			return nil, err
		}
	}
	leaves := currentLeaves(seqs, rows)
	var prevWinnerID string
	var prevWasDeletion bool
	if len(leaves) > 0 {
		prevWinnerID = leaves[0].row.RevID
		prevWasDeletion = leaves[0].row.Deleted
	}

	var parentSeq uint64
	var parentRow *revRow
	if prevRevID != "" {
		// Replacing: the given prevRevID must exist, and be current
		// unless the caller explicitly allows creating a conflict.
		if !docExists {
			return nil, status.New(status.NotFound, "no document %q", docID)
		}
		for _, seq := range seqs {
			row := rows[seq]
			if row.RevID == prevRevID && (row.Current || allowConflict) {
				parentSeq, parentRow = seq, row
				break
			}
		}
		if parentSeq == 0 {
			if !allowConflict && len(leaves) > 0 {
				return nil, status.New(status.Conflict, "revision %q is not current for %q", prevRevID, docID)
			}
			return nil, status.New(status.NotFound, "no revision %q of %q", prevRevID, docID)
		}
	} else {
		if deleted {
			// Deleting without naming the revision to delete.
			if len(leaves) > 0 && !prevWasDeletion {
				return nil, status.New(status.Conflict, "deleting %q requires its current revision id", docID)
			}
			return nil, status.New(status.NotFound, "no document %q", docID)
		}
		if docExists && len(leaves) > 0 {
			if !prevWasDeletion && !allowConflict {
				return nil, status.New(status.Conflict, "document %q already exists", docID)
			}
			// The winner is a tombstone: the document is recreated as
			// a fresh root and the tombstone stops being current.
			if prevWasDeletion {
				tombstone := leaves[0]
				tombstone.row.Current = false
				if err := putRevRow(txn, tombstone.seq, tombstone.row); err != nil {
					return nil, err
				}
			}
		}
	}

	newRevID := newRevID(prevRevID)
	newRev := &Revision{
		DocID:          docID,
		RevID:          newRevID,
		Deleted:        deleted,
		ParentSequence: parentSeq,
		Body:           body,
		BodyAvailable:  !deleted,
	}

	var parentRev *Revision
	if parentRow != nil {
		if parentRev, err = revisionFromRow(docID, parentSeq, parentRow, true); err != nil {
			return nil, err
		}
	}
	if err := s.runValidations(newRev, parentRev); err != nil {
		return nil, err
	}

	if !docExists {
		if docNum, err = s.docNumOf(txn, docID, true); err != nil {
			return nil, err
		}
	}

	// Replaced revision stops being current.
	if parentRow != nil && parentRow.Current {
		parentRow.Current = false
		if err := putRevRow(txn, parentSeq, parentRow); err != nil {
			return nil, err
		}
	}

	seq, err := s.insertRevisionRow(txn, docNum, newRevID, parentSeq, true, deleted, body)
	if err != nil {
		return nil, err
	}
	newRev.Sequence = seq

	if err := s.processAttachments(txn, body, RevIDGeneration(newRevID), seq, parentSeq, deleted); err != nil {
		return nil, err
	}

	// Recompute winner and conflict state over the post-insert leaves.
	rows[seq] = &revRow{DocNum: docNum, RevID: newRevID, Parent: parentSeq, Current: true, Deleted: deleted}
	seqs = append(seqs, seq)
	leaves = currentLeaves(seqs, rows)
	winner := pickWinner(prevWinnerID, prevWasDeletion, newRevID, deleted, leaves)

	s.queueChange(Change{
		DocID:    docID,
		RevID:    newRevID,
		Sequence: seq,
		IsWinner: winner == newRevID,
		Conflict: inConflict(leaves),
		Deleted:  deleted,
	})
	return newRev, nil
}

// lookupDocNum resolves docID without creating it.
func (s *Store) lookupDocNum(txn *badger.Txn, docID string) (uint64, bool, error) {
	docNum, err := s.docNumOf(txn, docID, false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return docNum, true, nil
}

// insertRevisionRow persists one revision row under a fresh sequence.
func (s *Store) insertRevisionRow(txn *badger.Txn, docNum uint64, revID string, parentSeq uint64, current, deleted bool, body Body) (uint64, error) {
	seq, err := s.nextSequence(txn)
	if err != nil {
		return 0, err
	}
	row := &revRow{
		DocNum:  docNum,
		RevID:   revID,
		Parent:  parentSeq,
		Current: current,
		Deleted: deleted,
	}
	if body != nil && !deleted {
		raw, err := json.Marshal(stripReserved(body))
		if err != nil {
			return 0, status.New(status.BadRequest, "unencodable body: %v", err)
		}
		row.HasBody = true
		row.Body = raw
	}
	if err := putRevRow(txn, seq, row); err != nil {
		return 0, err
	}
	return seq, nil
}
