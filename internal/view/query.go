package view

import (
	"bytes"
	"context"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/perchdb/perch/internal/collate"
	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

// UpdateMode controls when a query refreshes the index.
type UpdateMode int

const (
	// UpdateBefore refreshes the index before returning rows.
	UpdateBefore UpdateMode = iota
	// UpdateNever queries the index as it is.
	UpdateNever
	// UpdateAfter returns stale rows and refreshes in the background.
	UpdateAfter
)

// QueryOptions narrows and shapes a view query. A nil StartKey or
// EndKey leaves that bound open. Limit 0 means unlimited.
type QueryOptions struct {
	StartKey      any
	EndKey        any
	StartKeyDocID string
	EndKeyDocID   string
	Keys          []any
	Descending    bool
	Skip          int
	Limit         int
	InclusiveEnd  bool
	IncludeDocs   bool
	Reduce        bool
	Group         bool
	GroupLevel    int
	Update        UpdateMode
}

// DefaultQueryOptions matches an unconstrained query: inclusive end,
// reduction on when the view has a reduce function.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{InclusiveEnd: true, Reduce: true}
}

// Row is one result of a view query. Reduced rows carry a nil DocID.
type Row struct {
	Key      any
	Value    any
	DocID    string
	Sequence uint64
	Document map[string]any
}

// Query runs the view. Rows come back in collation order by key, then
// document id. With a reduce function and Reduce set, rows are folded
// to one row, or one per group when grouping.
func (v *View) Query(options QueryOptions) ([]Row, error) {
	_, reduceFn, _, collation := v.snapshot()

	switch options.Update {
	case UpdateBefore:
		if err := v.UpdateIndex(); err != nil {
			return nil, err
		}
	case UpdateAfter:
		v.engine.exec.Submit(func(context.Context) (any, error) {
			return nil, v.UpdateIndex()
		})
	}

	m, err := v.meta(false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return []Row{}, nil
		}
		return nil, err
	}

	var rows []Row
	if len(options.Keys) > 0 {
		rows, err = v.rowsForKeys(m.ID, collation, options)
	} else {
		rows, err = v.rowsForRange(m.ID, collation, options)
	}
	if err != nil {
		return nil, err
	}

	if reduceFn != nil && options.Reduce {
		return v.reduceRows(reduceFn, collation, rows, options)
	}

	rows = applySkipLimit(rows, options.Skip, options.Limit)
	if options.IncludeDocs {
		if err := v.loadDocuments(rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// rowsForKeys returns the rows matching each requested key, in the
// order the keys were given.
func (v *View) rowsForKeys(id uint32, collation collate.Mode, options QueryOptions) ([]Row, error) {
	var rows []Row
	err := v.engine.kv.View(func(txn *badger.Txn) error {
		for _, key := range options.Keys {
			prefix := append(forwardPrefix(id), collate.Encode(collation, key)...)
			err := kvstore.ScanPrefix(txn, prefix, func(_, value []byte) error {
				row, err := decodeRow(value)
				if err != nil {
					return err
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// keyBound is one end of a key range in encoded form.
type keyBound struct {
	encKey    []byte
	docID     string
	exclusive bool
}

// inBounds reports -1, 0 or 1 for a fragment below, inside or above
// the [lower, upper] range.
func inBounds(frag []byte, lower, upper *keyBound) int {
	if lower != nil {
		cmp := compareToKeyBound(frag, lower.encKey, lower.docID)
		if cmp < 0 || (cmp == 0 && lower.exclusive) {
			return -1
		}
	}
	if upper != nil {
		cmp := compareToKeyBound(frag, upper.encKey, upper.docID)
		if cmp > 0 || (cmp == 0 && upper.exclusive) {
			return 1
		}
	}
	return 0
}

// rowsForRange scans the index between the key bounds. Byte comparison
// on the collatable encoding matches collation order, so the bounds
// apply directly to the stored keys.
func (v *View) rowsForRange(id uint32, collation collate.Mode, options QueryOptions) ([]Row, error) {
	prefix := forwardPrefix(id)

	// The start bound is inclusive, the end bound honors InclusiveEnd.
	// Descending order swaps which of them is the lower bound.
	var lower, upper *keyBound
	if options.StartKey != nil {
		lower = &keyBound{encKey: collate.Encode(collation, options.StartKey), docID: options.StartKeyDocID}
	}
	if options.EndKey != nil {
		upper = &keyBound{
			encKey:    collate.Encode(collation, options.EndKey),
			docID:     options.EndKeyDocID,
			exclusive: !options.InclusiveEnd,
		}
	}
	if options.Descending {
		lower, upper = upper, lower
	}

	var rows []Row
	err := v.engine.kv.View(func(txn *badger.Txn) error {
		visit := func(key, value []byte) error {
			frag := key[len(prefix):]
			switch inBounds(frag, lower, upper) {
			case -1:
				if options.Descending {
					return kvstore.ErrStopScan
				}
				return nil
			case 1:
				if options.Descending {
					return nil
				}
				return kvstore.ErrStopScan
			}
			row, err := decodeRow(value)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		}
		if options.Descending {
			return kvstore.ScanPrefixReverse(txn, prefix, visit)
		}
		return kvstore.ScanPrefix(txn, prefix, visit)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// compareToKeyBound compares an index-key fragment against an encoded
// key bound. The fragment continues with the document id after the
// encoded key, so a fragment that merely extends the bound's key bytes
// compares equal on the key and then by document id.
func compareToKeyBound(frag, encKey []byte, boundDocID string) int {
	if len(frag) >= len(encKey) && bytes.Equal(frag[:len(encKey)], encKey) {
		if boundDocID == "" {
			return 0
		}
		rest := frag[len(encKey):]
		if i := bytes.IndexByte(rest, 0x00); i >= 0 {
			return bytes.Compare(rest[:i], []byte(boundDocID))
		}
		return 0
	}
	return bytes.Compare(frag, encKey)
}

func decodeRow(value []byte) (Row, error) {
	var stored indexRow
	if err := json.Unmarshal(value, &stored); err != nil {
		return Row{}, err
	}
	row := Row{DocID: stored.DocID, Sequence: stored.Seq}
	if err := json.Unmarshal(stored.Key, &row.Key); err != nil {
		return Row{}, err
	}
	if stored.Value != nil {
		if err := json.Unmarshal(stored.Value, &row.Value); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

// reduceRows folds rows into one row per group. Grouping compares keys
// to GroupLevel array elements; Group alone means full-key grouping.
func (v *View) reduceRows(reduceFn ReduceFunc, collation collate.Mode, rows []Row, options QueryOptions) ([]Row, error) {
	grouped := options.Group || options.GroupLevel > 0
	level := options.GroupLevel
	if options.Group && level == 0 {
		level = -1 // full key
	}

	var out []Row
	var groupKeys, groupValues []any
	var groupKey any

	flush := func() {
		if len(groupValues) == 0 {
			return
		}
		row := Row{Value: reduceBatched(reduceFn, groupKeys, groupValues)}
		if grouped {
			row.Key = groupKey
		}
		out = append(out, row)
		groupKeys, groupValues = nil, nil
	}

	for _, r := range rows {
		if grouped && len(groupValues) > 0 {
			limit := level
			if limit < 0 {
				limit = 0
			}
			var same bool
			if level < 0 {
				same = collate.Compare(collation, groupKey, r.Key) == 0
			} else {
				same = collate.CompareLimited(collation, groupKey, r.Key, limit) == 0
			}
			if !same {
				flush()
			}
		}
		if len(groupValues) == 0 {
			groupKey = truncateKey(r.Key, level)
		}
		groupKeys = append(groupKeys, r.Key)
		groupValues = append(groupValues, r.Value)
	}
	flush()

	return applySkipLimit(out, options.Skip, options.Limit), nil
}

// truncateKey cuts an array key down to the group level. level < 0
// keeps the whole key.
func truncateKey(key any, level int) any {
	if level <= 0 {
		return key
	}
	if arr, ok := key.([]any); ok && len(arr) > level {
		return arr[:level]
	}
	return key
}

// reduceBatched reduces values in batches, then rereduces the partial
// results, so a reduce function never sees an unbounded slice.
func reduceBatched(reduceFn ReduceFunc, keys, values []any) any {
	if len(values) <= reduceBatchSize {
		return reduceFn(keys, values, false)
	}
	var partials []any
	for i := 0; i < len(values); i += reduceBatchSize {
		end := i + reduceBatchSize
		if end > len(values) {
			end = len(values)
		}
		partials = append(partials, reduceFn(keys[i:end], values[i:end], false))
	}
	for len(partials) > reduceBatchSize {
		var next []any
		for i := 0; i < len(partials); i += reduceBatchSize {
			end := i + reduceBatchSize
			if end > len(partials) {
				end = len(partials)
			}
			next = append(next, reduceFn(nil, partials[i:end], true))
		}
		partials = next
	}
	return reduceFn(nil, partials, true)
}

func applySkipLimit(rows []Row, skip, limit int) []Row {
	if skip > 0 {
		if skip >= len(rows) {
			return []Row{}
		}
		rows = rows[skip:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// loadDocuments attaches each row's current document body.
func (v *View) loadDocuments(rows []Row) error {
	for i := range rows {
		if rows[i].DocID == "" {
			continue
		}
		rev, err := v.engine.store.GetRevision(rows[i].DocID, "", 0)
		if err != nil {
			if status.Is(err, status.NotFound) {
				continue
			}
			return err
		}
		rows[i].Document = rev.Body
	}
	return nil
}
