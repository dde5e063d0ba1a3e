// The by-document-id index query.
package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

// AllDocsMode selects which documents an AllDocs query returns.
type AllDocsMode int

const (
	// AllDocs returns every document with a non-deleted winner.
	AllDocs AllDocsMode = iota
	// IncludeDeleted also returns documents whose winner is a tombstone.
	IncludeDeleted
	// ShowConflicts additionally lists losing conflict revisions.
	ShowConflicts
	// OnlyConflicts returns only documents currently in conflict.
	OnlyConflicts
)

// AllDocsOptions narrows an AllDocs query. Bounds and keys are
// document ids compared in byte order.
type AllDocsOptions struct {
	Mode         AllDocsMode
	StartKey     string
	EndKey       string
	Keys         []string
	Descending   bool
	Skip         int
	Limit        int
	InclusiveEnd bool
}

// DocRow is one AllDocs result. Error is set instead of the revision
// fields for requested keys that cannot be returned.
type DocRow struct {
	DocID     string
	RevID     string
	Sequence  uint64
	Deleted   bool
	Conflicts []string
	Error     string
}

// AllDocsResult carries the rows plus the sequence the snapshot was
// taken at.
type AllDocsResult struct {
	Rows      []DocRow
	UpdateSeq uint64
}

// AllDocsQuery lists documents ordered by id.
func (s *Store) AllDocsQuery(options AllDocsOptions) (*AllDocsResult, error) {
	result := &AllDocsResult{UpdateSeq: s.LastSequence()}
	err := s.withReadTxn(func(txn *badger.Txn) error {
		if len(options.Keys) > 0 {
			return s.allDocsForKeys(txn, options, result)
		}
		return s.allDocsRange(txn, options, result)
	})
	if err != nil {
		return nil, err
	}
	if result.Rows == nil {
		result.Rows = []DocRow{}
	}
	return result, nil
}

// allDocsForKeys returns one row per requested id, in request order.
// Unknown ids and excluded documents produce error rows.
func (s *Store) allDocsForKeys(txn *badger.Txn, options AllDocsOptions, result *AllDocsResult) error {
	for _, docID := range options.Keys {
		row, include, err := s.docRow(txn, docID, options.Mode)
		if err != nil {
			return err
		}
		if !include {
			errRow := DocRow{DocID: docID, Error: "not_found"}
			if row != nil {
				errRow.Error = "deleted"
			}
			result.Rows = append(result.Rows, errRow)
			continue
		}
		result.Rows = append(result.Rows, *row)
	}
	result.Rows = applyDocSkipLimit(result.Rows, options.Skip, options.Limit)
	return nil
}

func (s *Store) allDocsRange(txn *badger.Txn, options AllDocsOptions, result *AllDocsResult) error {
	lower, upper := options.StartKey, options.EndKey
	lowerExcl, upperExcl := false, !options.InclusiveEnd
	if options.Descending {
		lower, upper = upper, lower
		lowerExcl, upperExcl = upperExcl, lowerExcl
	}

	skipped := 0
	visit := func(key, _ []byte) error {
		docID := string(key[len(prefixDocByID):])
		if lower != "" && (docID < lower || (docID == lower && lowerExcl)) {
			if options.Descending {
				return kvstore.ErrStopScan
			}
			return nil
		}
		if upper != "" && (docID > upper || (docID == upper && upperExcl)) {
			if options.Descending {
				return nil
			}
			return kvstore.ErrStopScan
		}
		row, include, err := s.docRow(txn, docID, options.Mode)
		if err != nil {
			return err
		}
		if !include {
			return nil
		}
		if skipped < options.Skip {
			skipped++
			return nil
		}
		result.Rows = append(result.Rows, *row)
		if options.Limit > 0 && len(result.Rows) >= options.Limit {
			return kvstore.ErrStopScan
		}
		return nil
	}
	if options.Descending {
		return kvstore.ScanPrefixReverse(txn, prefixDocByID, visit)
	}
	return kvstore.ScanPrefix(txn, prefixDocByID, visit)
}

// docRow builds one row, reporting whether the mode includes it. A nil
// row means the document does not exist at all.
func (s *Store) docRow(txn *badger.Txn, docID string, mode AllDocsMode) (*DocRow, bool, error) {
	docNum, err := s.docNumOf(txn, docID, false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	seqs, rows, err := docRevisions(txn, docNum)
	if err != nil {
		return nil, false, err
	}
	leaves := currentLeaves(seqs, rows)
	if len(leaves) == 0 {
		return nil, false, nil
	}
	winner := leaves[0]
	row := &DocRow{
		DocID:    docID,
		RevID:    winner.row.RevID,
		Sequence: winner.seq,
		Deleted:  winner.row.Deleted,
	}
	conflicted := inConflict(leaves)
	switch mode {
	case AllDocs:
		if row.Deleted {
			return row, false, nil
		}
	case IncludeDeleted:
		// Everything qualifies.
	case ShowConflicts, OnlyConflicts:
		if conflicted {
			for _, l := range leaves[1:] {
				if !l.row.Deleted {
					row.Conflicts = append(row.Conflicts, l.row.RevID)
				}
			}
		}
		if mode == OnlyConflicts && !conflicted {
			return row, false, nil
		}
		if mode == ShowConflicts && row.Deleted {
			return row, false, nil
		}
	}
	return row, true, nil
}

func applyDocSkipLimit(rows []DocRow, skip, limit int) []DocRow {
	if skip > 0 {
		if skip >= len(rows) {
			return []DocRow{}
		}
		rows = rows[skip:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
