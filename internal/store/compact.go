// Compaction: body stripping, revision-tree pruning and attachment
// garbage collection.
package store

import (
	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/perchdb/perch/internal/blob"
	"github.com/perchdb/perch/internal/kvstore"
)

// Compact clears the stored bodies of all non-current revisions
// (keeping their linkage so history queries still work, though the
// body becomes permanently unavailable), prunes deep revision trees, then
// garbage-collects attachment blobs no longer referenced by any
// surviving revision.
//
// Pruning is depth-based and deliberately coarse: the cutoff
// generation is derived from the highest generation in the whole
// document, not per branch, so a short conflicting branch can be
// pruned down to just its leaf. This matches the engine's documented
// behavior; see TestCompactPrunesShortConflictBranch.
func (s *Store) Compact() error {
	err := s.inTxn(func(txn *badger.Txn) error {
		if err := s.stripObsoleteBodies(txn); err != nil {
			return err
		}
		return s.pruneRevisions(txn)
	})
	if err != nil {
		return err
	}
	if err := s.collectAttachmentGarbage(); err != nil {
		return err
	}
	return s.kv.Clean()
}

// stripObsoleteBodies removes the body and attachment rows of every
// non-current revision.
func (s *Store) stripObsoleteBodies(txn *badger.Txn) error {
	type target struct {
		seq uint64
		row *revRow
	}
	var targets []target
	err := scanRevisionsFrom(txn, 1, func(seq uint64, row *revRow) error {
		if !row.Current && row.HasBody {
			targets = append(targets, target{seq, row})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		t.row.HasBody = false
		t.row.Body = nil
		raw, err := json.Marshal(t.row)
		if err != nil {
			return err
		}
		if err := txn.Set(revKey(t.seq), raw); err != nil {
			return err
		}
		if err := kvstore.DeletePrefixTxn(txn, attachPrefix(t.seq)); err != nil {
			return err
		}
	}
	s.log.Debug("compact stripped bodies", "revisions", len(targets))
	return nil
}

// pruneRevisions drops the oldest revisions of each over-deep document.
func (s *Store) pruneRevisions(txn *badger.Txn) error {
	byDoc := make(map[uint64][]uint64)
	rows := make(map[uint64]*revRow)
	err := scanRevisionsFrom(txn, 1, func(seq uint64, row *revRow) error {
		byDoc[row.DocNum] = append(byDoc[row.DocNum], seq)
		rows[seq] = row
		return nil
	})
	if err != nil {
		return err
	}

	pruned := 0
	for _, seqs := range byDoc {
		if len(seqs) <= s.maxRevTreeDepth {
			continue
		}
		maxGen := 0
		for _, seq := range seqs {
			if g := RevIDGeneration(rows[seq].RevID); g > maxGen {
				maxGen = g
			}
		}
		minGenToKeep := maxGen - s.maxRevTreeDepth + 1
		for _, seq := range seqs {
			row := rows[seq]
			if row.Current || RevIDGeneration(row.RevID) >= minGenToKeep {
				continue
			}
			if err := deleteRevisionRow(txn, seq, row); err != nil {
				return err
			}
			pruned++
		}
	}
	if pruned > 0 {
		s.log.Info("compact pruned revisions", "count", pruned)
	}
	return nil
}

func deleteRevisionRow(txn *badger.Txn, seq uint64, row *revRow) error {
	if err := txn.Delete(revKey(seq)); err != nil {
		return err
	}
	if err := txn.Delete(docSeqKey(row.DocNum, seq)); err != nil {
		return err
	}
	return kvstore.DeletePrefixTxn(txn, attachPrefix(seq))
}

// collectAttachmentGarbage deletes every blob not referenced by a
// surviving attachment row. In-flight blob writers are shielded by the
// blob store's pending set.
func (s *Store) collectAttachmentGarbage() error {
	keep := make(map[blob.Key]struct{})
	err := s.withReadTxn(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, prefixAttach, func(_, value []byte) error {
			var att Attachment
			if err := json.Unmarshal(value, &att); err != nil {
				return err
			}
			if key, ok := blob.ParseDigest(att.Digest); ok {
				keep[key] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	deleted, err := s.blobs.DeleteAllExcept(keep)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.log.Info("compact deleted orphaned attachments", "count", deleted)
	}
	return nil
}
