// Package view is the map/reduce index engine. Each view owns a
// persistent index of rows emitted by its map function, kept current
// incrementally from the revision store's sequence feed.
package view

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/perchdb/perch/internal/collate"
	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/internal/store"
	"github.com/perchdb/perch/internal/task"
	"github.com/perchdb/perch/pkg/status"
)

// MapFunc emits zero or more key/value rows for one document body. The
// body carries synthesized "_id" and "_rev" keys.
type MapFunc func(doc store.Body, emit func(key, value any))

// ReduceFunc folds row values. With rereduce true, values are partial
// results of earlier reductions and keys is nil.
type ReduceFunc func(keys []any, values []any, rereduce bool) any

// rereduce batch size for large key ranges.
const reduceBatchSize = 100

// Engine manages the views of one database.
type Engine struct {
	kv    *kvstore.Store
	store *store.Store
	exec  *task.Executor
	log   *slog.Logger

	mu    sync.Mutex
	views map[string]*View
}

func NewEngine(kv *kvstore.Store, st *store.Store, exec *task.Executor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{kv: kv, store: st, exec: exec, log: log, views: map[string]*View{}}
}

// View returns the named view, creating the handle on first use. The
// view is not queryable until SetMapReduce is called.
func (e *Engine) View(name string) *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[name]; ok {
		return v
	}
	v := &View{engine: e, name: name, collation: collate.Unicode}
	e.views[name] = v
	return v
}

// viewMeta is the persisted state of one view index.
type viewMeta struct {
	ID      uint32 `json:"id"`
	Version string `json:"version"`
	LastSeq uint64 `json:"last_seq"`
}

// A View is one named map/reduce index.
type View struct {
	engine *Engine
	name   string

	mu        sync.Mutex
	mapFn     MapFunc
	reduceFn  ReduceFunc
	version   string
	collation collate.Mode
}

func (v *View) Name() string { return v.name }

// SetMapReduce registers the view's functions. version tags the map
// function's behavior; changing it invalidates the whole index on the
// next update. reduceFn may be nil.
func (v *View) SetMapReduce(mapFn MapFunc, reduceFn ReduceFunc, version string) {
	v.mu.Lock()
	v.mapFn = mapFn
	v.reduceFn = reduceFn
	v.version = version
	v.mu.Unlock()
}

// SetCollation selects the key ordering of the index. Must be set
// before the first update; changing it later requires a new version
// tag.
func (v *View) SetCollation(mode collate.Mode) {
	v.mu.Lock()
	v.collation = mode
	v.mu.Unlock()
}

func (v *View) snapshot() (MapFunc, ReduceFunc, string, collate.Mode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapFn, v.reduceFn, v.version, v.collation
}

// meta loads the persisted view state, creating it when create is set.
func (v *View) meta(create bool) (*viewMeta, error) {
	var m viewMeta
	value, err := v.engine.kv.Get(metaKey(v.name))
	if err == nil {
		if err := json.Unmarshal(value, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	if !kvstore.IsNotFound(err) {
		return nil, err
	}
	if !create {
		return nil, status.New(status.NotFound, "no view %q", v.name)
	}
	err = v.engine.kv.Update(func(txn *badger.Txn) error {
		id, err := nextViewID(txn)
		if err != nil {
			return err
		}
		m = viewMeta{ID: id}
		raw, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(v.name), raw)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nextViewID(txn *badger.Txn) (uint32, error) {
	next := uint32(1)
	if value, err := kvstore.GetTxn(txn, viewIDCounter); err == nil {
		next = binary.BigEndian.Uint32(value) + 1
	} else if !kvstore.IsNotFound(err) {
		return 0, err
	}
	if err := txn.Set(viewIDCounter, viewIDBytes(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (v *View) putMeta(m *viewMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return v.engine.kv.Set(metaKey(v.name), raw)
}

// LastIndexedSequence reports how far the index has caught up.
func (v *View) LastIndexedSequence() (uint64, error) {
	m, err := v.meta(false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return 0, nil
		}
		return 0, err
	}
	return m.LastSeq, nil
}

// UpdateIndex brings the view up to date with the revision store. Each
// changed document first has its old rows removed, then the map
// function runs on the current winning body. A changed version tag
// resets the index and reindexes from scratch.
func (v *View) UpdateIndex() error {
	mapFn, _, version, collation := v.snapshot()
	if mapFn == nil {
		return status.New(status.BadRequest, "view %q has no map function", v.name)
	}
	m, err := v.meta(true)
	if err != nil {
		return err
	}
	if m.Version != version {
		if m.Version != "" || m.LastSeq > 0 {
			v.engine.log.Info("view version changed, reindexing", "view", v.name)
		}
		if err := v.reset(m); err != nil {
			return err
		}
		m.Version = version
	}

	latest := v.engine.store.LastSequence()
	if m.LastSeq >= latest {
		return nil
	}

	changes, err := v.engine.store.ChangesSince(m.LastSeq, store.ChangesOptions{IncludeBodies: true}, nil)
	if err != nil {
		return err
	}

	indexed := 0
	err = v.engine.kv.Update(func(txn *badger.Txn) error {
		for _, rev := range changes {
			if err := v.removeDocRows(txn, m.ID, rev.DocID); err != nil {
				return err
			}
			if rev.Deleted || rev.Body == nil {
				continue
			}
			doc := store.Body{}
			for k, val := range rev.Body {
				doc[k] = val
			}
			doc["_id"] = rev.DocID
			doc["_rev"] = rev.RevID

			ord := uint32(0)
			var emitErr error
			mapFn(doc, func(key, value any) {
				if emitErr != nil || key == nil {
					return
				}
				emitErr = v.writeRow(txn, m.ID, collation, key, value, rev.DocID, rev.Sequence, ord)
				ord++
			})
			if emitErr != nil {
				return emitErr
			}
			if ord > 0 {
				indexed++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.LastSeq = latest
	if err := v.putMeta(m); err != nil {
		return err
	}
	v.engine.log.Debug("view index updated",
		"view", v.name, "sequence", latest, "documents", indexed)
	return nil
}

// indexRow is the stored form of one emitted row.
type indexRow struct {
	Key   json.RawMessage `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
	DocID string          `json:"d"`
	Seq   uint64          `json:"s"`
}

func (v *View) writeRow(txn *badger.Txn, id uint32, collation collate.Mode, key, value any, docID string, seq uint64, ord uint32) error {
	rawKey, err := json.Marshal(key)
	if err != nil {
		return status.New(status.BadRequest, "unencodable view key: %v", err)
	}
	var rawValue json.RawMessage
	if value != nil {
		if rawValue, err = json.Marshal(value); err != nil {
			return status.New(status.BadRequest, "unencodable view value: %v", err)
		}
	}
	row, err := json.Marshal(&indexRow{Key: rawKey, Value: rawValue, DocID: docID, Seq: seq})
	if err != nil {
		return err
	}
	encKey := collate.Encode(collation, key)
	if err := txn.Set(forwardKey(id, encKey, docID, seq, ord), row); err != nil {
		return err
	}
	return txn.Set(reverseKey(id, encKey, docID, seq, ord), nil)
}

// removeDocRows deletes every row the document previously emitted,
// found through the reverse index.
func (v *View) removeDocRows(txn *badger.Txn, id uint32, docID string) error {
	prefix := docReversePrefix(id, docID)
	var reverse [][]byte
	var forward [][]byte
	err := kvstore.ScanPrefix(txn, prefix, func(key, _ []byte) error {
		seq, ord, encKey, ok := splitReverseSuffix(key[len(prefix):])
		if !ok {
			return status.New(status.InternalError, "corrupt view index entry for %q", docID)
		}
		reverse = append(reverse, append([]byte{}, key...))
		forward = append(forward, forwardKey(id, encKey, docID, seq, ord))
		return nil
	})
	if err != nil {
		return err
	}
	for i := range reverse {
		if err := txn.Delete(forward[i]); err != nil {
			return err
		}
		if err := txn.Delete(reverse[i]); err != nil {
			return err
		}
	}
	return nil
}

// reset drops every index row and rewinds the update watermark.
func (v *View) reset(m *viewMeta) error {
	if err := v.engine.kv.DeletePrefix(forwardPrefix(m.ID)); err != nil {
		return err
	}
	if err := v.engine.kv.DeletePrefix(reversePrefix(m.ID)); err != nil {
		return err
	}
	m.LastSeq = 0
	return nil
}

// DeleteIndex removes the view's rows and metadata. The handle stays
// registered and reindexes from scratch on the next update.
func (v *View) DeleteIndex() error {
	m, err := v.meta(false)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return nil
		}
		return err
	}
	if err := v.reset(m); err != nil {
		return err
	}
	return v.engine.kv.Delete(metaKey(v.name))
}

// TotalRows counts the index rows, updating the index first.
func (v *View) TotalRows() (int, error) {
	if err := v.UpdateIndex(); err != nil {
		return 0, err
	}
	m, err := v.meta(false)
	if err != nil {
		return 0, err
	}
	count := 0
	err = v.engine.kv.View(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, forwardPrefix(m.ID), func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}
