package store

import "sort"

// leaf pairs a current revision row with its sequence.
type leaf struct {
	seq uint64
	row *revRow
}

// currentLeaves returns the document's current revisions sorted the
// canonical way: non-deleted before deleted, then revision id
// descending. The first entry is the winner under a full re-scan.
func currentLeaves(seqs []uint64, rows map[uint64]*revRow) []leaf {
	var leaves []leaf
	for _, seq := range seqs {
		if rows[seq].Current {
			leaves = append(leaves, leaf{seq: seq, row: rows[seq]})
		}
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := leaves[i].row, leaves[j].row
		if a.Deleted != b.Deleted {
			return !a.Deleted
		}
		return CompareRevIDs(a.RevID, b.RevID) > 0
	})
	return leaves
}

// pickWinner decides the winning revision id after inserting newRevID.
// prevWinnerID is the winner before the mutation ("" if none);
// prevWasDeletion says whether it was a tombstone. leaves must reflect
// the post-mutation state and is consulted only when the incremental
// rules cannot decide (a deletion may expose a different leaf).
func pickWinner(prevWinnerID string, prevWasDeletion bool, newRevID string, newDeleted bool, leaves []leaf) string {
	if prevWinnerID == "" {
		return newRevID
	}
	if !newDeleted && (prevWasDeletion || CompareRevIDs(newRevID, prevWinnerID) > 0) {
		return newRevID
	}
	if newDeleted {
		if prevWasDeletion && CompareRevIDs(newRevID, prevWinnerID) > 0 {
			return newRevID
		}
		// Deleting the previous winner may expose another leaf.
		if len(leaves) > 0 {
			return leaves[0].row.RevID
		}
		return newRevID
	}
	return prevWinnerID
}

// inConflict reports whether more than one non-deleted revision is
// current.
func inConflict(leaves []leaf) bool {
	n := 0
	for _, l := range leaves {
		if !l.row.Deleted {
			n++
			if n > 1 {
				return true
			}
		}
	}
	return false
}
