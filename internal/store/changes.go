// The "changes since sequence" feed consumed by replication.
package store

import (
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// ChangesOptions configures a ChangesSince query.
type ChangesOptions struct {
	// Limit caps the number of returned revisions; 0 means unlimited.
	Limit int
	// Descending returns newest documents first.
	Descending bool
	// IncludeConflicts lists every current leaf of a conflicted
	// document instead of just the winner.
	IncludeConflicts bool
	// IncludeBodies loads revision bodies.
	IncludeBodies bool
}

// ChangesSince returns, for every document whose latest revision has a
// sequence greater than since, its winning revision, or all current
// revisions when IncludeConflicts is set. filter may exclude individual
// revisions. Results are ordered by the document's latest sequence.
func (s *Store) ChangesSince(since uint64, options ChangesOptions, filter ChangesFilter) ([]*Revision, error) {
	var result []*Revision
	err := s.withReadTxn(func(txn *badger.Txn) error {
		// One pass over the revision rows above the watermark,
		// keeping each document's latest sequence.
		latest := make(map[uint64]uint64)
		err := scanRevisionsFrom(txn, since+1, func(seq uint64, row *revRow) error {
			if seq > latest[row.DocNum] {
				latest[row.DocNum] = seq
			}
			return nil
		})
		if err != nil {
			return err
		}

		type docEntry struct {
			docNum uint64
			seq    uint64
		}
		docs := make([]docEntry, 0, len(latest))
		for docNum, seq := range latest {
			docs = append(docs, docEntry{docNum, seq})
		}
		sort.Slice(docs, func(i, j int) bool {
			if options.Descending {
				return docs[i].seq > docs[j].seq
			}
			return docs[i].seq < docs[j].seq
		})

		for _, d := range docs {
			docID, err := s.docIDOf(txn, d.docNum)
			if err != nil {
				return err
			}
			seqs, rows, err := docRevisions(txn, d.docNum)
			if err != nil {
				return err
			}
			leaves := currentLeaves(seqs, rows)
			if len(leaves) == 0 {
				continue
			}
			picked := leaves[:1]
			if options.IncludeConflicts {
				picked = leaves
			}
			for _, l := range picked {
				rev, err := revisionFromRow(docID, l.seq, l.row, options.IncludeBodies)
				if err != nil {
					return err
				}
				if filter != nil && !filter(rev) {
					continue
				}
				result = append(result, rev)
				if options.Limit > 0 && len(result) >= options.Limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scanRevisionsFrom visits revision rows with sequence >= from in
// ascending sequence order.
func scanRevisionsFrom(txn *badger.Txn, from uint64, fn func(seq uint64, row *revRow) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixRev
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := revKey(from)
	for it.Seek(seek); it.ValidForPrefix(prefixRev); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		row, err := decodeRevRow(value)
		if err != nil {
			return err
		}
		if err := fn(seqFromRevKey(key), row); err != nil {
			return err
		}
	}
	return nil
}
