// Read paths: single revisions, winners, and revision history.
package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

// BodyOption selects which synthesized metadata a read includes.
type BodyOption int

const (
	// IncludeRevisions adds a "_revisions" history dictionary.
	IncludeRevisions BodyOption = 1 << iota
	// IncludeRevsInfo adds a "_revs_info" list with availability.
	IncludeRevsInfo
	// IncludeConflicts adds a "_conflicts" list of losing leaf ids.
	IncludeConflicts
)

// GetRevision loads one revision of a document. revID "" selects the
// current winner. The returned body has its metadata keys synthesized.
func (s *Store) GetRevision(docID, revID string, opts BodyOption) (*Revision, error) {
	var result *Revision
	err := s.withReadTxn(func(txn *badger.Txn) error {
		rev, err := s.getRevision(txn, docID, revID, opts)
		result = rev
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) getRevision(txn *badger.Txn, docID, revID string, opts BodyOption) (*Revision, error) {
	docNum, err := s.docNumOf(txn, docID, false)
	if err != nil {
		return nil, err
	}
	seqs, rows, err := docRevisions(txn, docNum)
	if err != nil {
		return nil, err
	}
	leaves := currentLeaves(seqs, rows)

	var seq uint64
	if revID == "" {
		if len(leaves) == 0 {
			return nil, status.New(status.NotFound, "document %q has no revisions", docID)
		}
		winner := leaves[0]
		if winner.row.Deleted {
			return nil, status.New(status.NotFound, "document %q is deleted", docID)
		}
		seq = winner.seq
	} else {
		for _, candidate := range seqs {
			if rows[candidate].RevID == revID {
				seq = candidate
				break
			}
		}
		if seq == 0 {
			return nil, status.New(status.NotFound, "no revision %q of %q", revID, docID)
		}
	}

	rev, err := revisionFromRow(docID, seq, rows[seq], true)
	if err != nil {
		return nil, err
	}
	if rev.Body == nil && rev.BodyAvailable {
		rev.Body = Body{}
	}
	if rev.Body != nil {
		if err := s.synthesizeMetadata(txn, rev, rows, leaves, opts); err != nil {
			return nil, err
		}
	}
	return rev, nil
}

// synthesizeMetadata fills the reserved "_" keys of a read body. These
// are never stored; they are derived from the revision tree on every
// read.
func (s *Store) synthesizeMetadata(txn *badger.Txn, rev *Revision, rows map[uint64]*revRow, leaves []leaf, opts BodyOption) error {
	rev.Body["_id"] = rev.DocID
	rev.Body["_rev"] = rev.RevID
	if rev.Deleted {
		rev.Body["_deleted"] = true
	}
	atts, err := attachmentsForSequence(txn, rev.Sequence)
	if err != nil {
		return err
	}
	if len(atts) > 0 {
		rev.Body["_attachments"] = attachmentDict(atts)
	}

	if opts&IncludeRevisions != 0 {
		history := ancestry(rev.Sequence, rows)
		ids := make([]string, 0, len(history))
		for _, h := range history {
			_, suffix, _ := ParseRevID(h.row.RevID)
			ids = append(ids, suffix)
		}
		rev.Body["_revisions"] = map[string]any{
			"start": RevIDGeneration(rev.RevID),
			"ids":   ids,
		}
	}
	if opts&IncludeRevsInfo != 0 {
		history := ancestry(rev.Sequence, rows)
		info := make([]any, 0, len(history))
		for _, h := range history {
			st := "available"
			switch {
			case h.row.Deleted:
				st = "deleted"
			case !h.row.HasBody:
				st = "missing"
			}
			info = append(info, map[string]any{"rev": h.row.RevID, "status": st})
		}
		rev.Body["_revs_info"] = info
	}
	if opts&IncludeConflicts != 0 && len(leaves) > 1 {
		var conflicts []string
		for _, l := range leaves[1:] {
			if !l.row.Deleted {
				conflicts = append(conflicts, l.row.RevID)
			}
		}
		if len(conflicts) > 0 {
			rev.Body["_conflicts"] = conflicts
		}
	}
	return nil
}

// ancestry walks parent links from seq back to a root.
func ancestry(seq uint64, rows map[uint64]*revRow) []leaf {
	var chain []leaf
	for seq != 0 {
		row := rows[seq]
		if row == nil {
			break
		}
		chain = append(chain, leaf{seq: seq, row: row})
		seq = row.Parent
	}
	return chain
}

// RevisionHistory returns rev and its ancestors, newest first, back to
// the root. Phantom or compacted ancestors appear with their id and
// deletion flag but BodyAvailable false.
func (s *Store) RevisionHistory(rev *Revision) ([]*Revision, error) {
	var history []*Revision
	err := s.withReadTxn(func(txn *badger.Txn) error {
		seq := rev.Sequence
		for seq != 0 {
			row, err := getRevRow(txn, seq)
			if err != nil {
				if kvstore.IsNotFound(err) {
					break // pruned ancestor
				}
				return err
			}
			r, err := revisionFromRow(rev.DocID, seq, row, false)
			if err != nil {
				return err
			}
			history = append(history, r)
			seq = row.Parent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// WinningRevision returns the current winner of a document including
// tombstones, or NotFound when the document does not exist at all.
func (s *Store) WinningRevision(docID string) (*Revision, error) {
	var result *Revision
	err := s.withReadTxn(func(txn *badger.Txn) error {
		docNum, err := s.docNumOf(txn, docID, false)
		if err != nil {
			return err
		}
		seqs, rows, err := docRevisions(txn, docNum)
		if err != nil {
			return err
		}
		leaves := currentLeaves(seqs, rows)
		if len(leaves) == 0 {
			return status.New(status.NotFound, "document %q has no revisions", docID)
		}
		result, err = revisionFromRow(docID, leaves[0].seq, leaves[0].row, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CurrentRevisions returns all leaves of a document, winner first.
func (s *Store) CurrentRevisions(docID string) ([]*Revision, error) {
	var result []*Revision
	err := s.withReadTxn(func(txn *badger.Txn) error {
		docNum, err := s.docNumOf(txn, docID, false)
		if err != nil {
			return err
		}
		seqs, rows, err := docRevisions(txn, docNum)
		if err != nil {
			return err
		}
		for _, l := range currentLeaves(seqs, rows) {
			rev, err := revisionFromRow(docID, l.seq, l.row, false)
			if err != nil {
				return err
			}
			result = append(result, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
