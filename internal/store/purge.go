package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

// Purge physically deletes revisions with no tombstones left behind.
// The request maps document ids to revision id lists; the special list
// ["*"] removes the document entirely. A named revision must be a leaf,
// and deleting it also deletes any ancestor that no other branch still
// reaches. The result maps each document id to the revision ids that
// were actually removed.
//
// Purge does not fire change notifications and does not advance the
// sequence counter, so purged documents simply vanish from the changes
// feed.
func (s *Store) Purge(request map[string][]string) (map[string][]string, error) {
	result := make(map[string][]string, len(request))
	err := s.inTxn(func(txn *badger.Txn) error {
		for docID, revIDs := range request {
			removed, err := s.purgeDoc(txn, docID, revIDs)
			if err != nil {
				return err
			}
			result[docID] = removed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) purgeDoc(txn *badger.Txn, docID string, revIDs []string) ([]string, error) {
	removed := []string{}
	docNum, err := s.docNumOf(txn, docID, false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return removed, nil
		}
		return nil, err
	}
	seqs, rows, err := docRevisions(txn, docNum)
	if err != nil {
		return nil, err
	}

	if len(revIDs) == 1 && revIDs[0] == "*" {
		for _, seq := range seqs {
			if err := deleteRevisionRow(txn, seq, rows[seq]); err != nil {
				return nil, err
			}
		}
		if err := txn.Delete(docIDKey(docID)); err != nil {
			return nil, err
		}
		if err := txn.Delete(docNumKey(docNum)); err != nil {
			return nil, err
		}
		if err := kvstore.DeletePrefixTxn(txn, docSeqPrefix(docNum)); err != nil {
			return nil, err
		}
		return []string{"*"}, nil
	}

	byRevID := make(map[string]uint64, len(seqs))
	children := make(map[uint64]int)
	for _, seq := range seqs {
		byRevID[rows[seq].RevID] = seq
		if p := rows[seq].Parent; p != 0 {
			children[p]++
		}
	}

	for _, revID := range revIDs {
		seq, known := byRevID[revID]
		if !known {
			continue
		}
		if children[seq] > 0 {
			// Interior revision; purging it would orphan descendants.
			continue
		}
		// Delete the leaf and then every ancestor that belonged
		// exclusively to this branch.
		for seq != 0 {
			row := rows[seq]
			if row == nil {
				break
			}
			if err := deleteRevisionRow(txn, seq, row); err != nil {
				return nil, err
			}
			delete(rows, seq)
			parent := row.Parent
			if parent != 0 {
				children[parent]--
				if children[parent] > 0 {
					break // shared with a surviving branch
				}
			}
			seq = parent
		}
		removed = append(removed, revID)
	}
	return removed, nil
}
