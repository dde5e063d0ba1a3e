// Package perch is an embedded multi-version document database. Every
// document carries a revision tree, so concurrent edit histories merge
// deterministically; map/reduce views index the current winners; binary
// attachments live in a content-addressed blob store.
package perch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchdb/perch/internal/blob"
	"github.com/perchdb/perch/internal/collate"
	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/internal/store"
	"github.com/perchdb/perch/internal/task"
	"github.com/perchdb/perch/internal/view"
)

// Aliases so callers never import the internal packages.
type (
	Body           = store.Body
	Revision       = store.Revision
	Change         = store.Change
	Attachment     = store.Attachment
	ValidateFunc   = store.ValidateFunc
	ChangesFilter  = store.ChangesFilter
	ChangesOptions = store.ChangesOptions
	BodyOption     = store.BodyOption
	AllDocsMode    = store.AllDocsMode
	AllDocsOptions = store.AllDocsOptions
	AllDocsResult  = store.AllDocsResult
	DocRow         = store.DocRow
	View           = view.View
	Row            = view.Row
	QueryOptions   = view.QueryOptions
	LiveQuery      = view.LiveQuery
	MapFunc        = view.MapFunc
	ReduceFunc     = view.ReduceFunc
	UpdateMode     = view.UpdateMode
	BlobWriter     = blob.Writer
	Collation      = collate.Mode
	Future         = task.Future
)

const (
	IncludeRevisions = store.IncludeRevisions
	IncludeRevsInfo  = store.IncludeRevsInfo
	IncludeConflicts = store.IncludeConflicts

	AllDocs        = store.AllDocs
	IncludeDeleted = store.IncludeDeleted
	ShowConflicts  = store.ShowConflicts
	OnlyConflicts  = store.OnlyConflicts

	UpdateBefore = view.UpdateBefore
	UpdateNever  = view.UpdateNever
	UpdateAfter  = view.UpdateAfter

	UnicodeCollation = collate.Unicode
	ASCIICollation   = collate.ASCII
	RawCollation     = collate.Raw
)

// DefaultQueryOptions matches an unconstrained view query.
func DefaultQueryOptions() QueryOptions { return view.DefaultQueryOptions() }

var (
	ErrNotStarted = errors.New("perch: database not started")
	ErrClosed     = errors.New("perch: database closed")
)

// Database is the main handle. It owns the KV store, the blob store,
// the revision store, the view engine and one serial executor for
// background work.
type Database struct {
	log    *slog.Logger
	config Config

	mu     sync.RWMutex
	kv     *kvstore.Store
	blobs  *blob.Store
	store  *store.Store
	views  *view.Engine
	exec   *task.Executor
	docs   *docCache

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a database handle. New does not perform I/O or start
// goroutines; call Start to open the stores.
func New(conf Config) (*Database, error) {
	if conf.Path == "" {
		return nil, fmt.Errorf("perch: config needs a data path")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.DocCacheSize <= 0 {
		conf.DocCacheSize = 50
	}
	return &Database{
		log:    conf.Logger,
		config: conf,
		docs:   newDocCache(conf.DocCacheSize),
	}, nil
}

// Open is New followed by Start.
func Open(conf Config) (*Database, error) {
	db, err := New(conf)
	if err != nil {
		return nil, err
	}
	if err := db.Start(context.Background()); err != nil {
		return nil, err
	}
	return db, nil
}

// Start opens the stores and marks the database ready. Safe to call
// more than once; only the first call has effect.
func (db *Database) Start(ctx context.Context) error {
	var startErr error
	db.startOnce.Do(func() {
		if err := os.MkdirAll(db.config.Path, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", db.config.Path, err)
			return
		}
		kv, err := kvstore.Open(kvstore.Config{
			Path:          filepath.Join(db.config.Path, "kv"),
			MinimumFreeGB: db.config.MinimumFreeGB,
			Logger:        db.log,
		})
		if err != nil {
			startErr = fmt.Errorf("open kv: %w", err)
			return
		}
		blobs, err := blob.Open(filepath.Join(db.config.Path, "attachments"), db.log)
		if err != nil {
			kv.Close()
			startErr = fmt.Errorf("open blob store: %w", err)
			return
		}
		st, err := store.New(store.Config{
			KV:              kv,
			Blobs:           blobs,
			Logger:          db.log,
			MaxRevTreeDepth: db.config.MaxRevTreeDepth,
		})
		if err != nil {
			kv.Close()
			startErr = fmt.Errorf("open revision store: %w", err)
			return
		}
		exec := task.New(db.log)

		db.mu.Lock()
		db.kv = kv
		db.blobs = blobs
		db.store = st
		db.exec = exec
		db.views = view.NewEngine(kv, st, exec, db.log)
		db.mu.Unlock()

		// Keep the handle cache coherent with writes, including ones
		// made through a different handle path.
		st.AddChangeListener(db.docs.noteChange)

		db.started.Store(true)
		db.log.Info("perch database started", "path", db.config.Path)
	})
	return startErr
}

// Run starts the database, blocks until ctx is canceled, then shuts
// down with a bounded grace period. A convenience for services.
func (db *Database) Run(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.Close(shutdownCtx)
}

// Close drains background work and releases the stores. Idempotent.
func (db *Database) Close(ctx context.Context) error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.mu.Lock()
		kv, exec := db.kv, db.exec
		db.kv, db.blobs, db.store, db.views, db.exec = nil, nil, nil, nil, nil
		db.mu.Unlock()

		db.started.Store(false)
		db.closed.Store(true)
		db.docs.evictAll()
		if exec != nil {
			exec.Close()
		}
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
			}
		}
		db.log.Info("perch database closed", "path", db.config.Path)
	})
	return closeErr
}

// Name returns the base name of the data directory.
func (db *Database) Name() string {
	return filepath.Base(db.config.Path)
}

func (db *Database) engine() (*store.Store, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.store == nil {
		return nil, db.lifecycleErr()
	}
	return db.store, nil
}

// LastSequence returns the highest sequence ever allocated. Sequences
// are strictly increasing across the database; gaps are possible after
// rolled-back transactions.
func (db *Database) LastSequence() (uint64, error) {
	st, err := db.engine()
	if err != nil {
		return 0, err
	}
	return st.LastSequence(), nil
}

// PutRevision creates or updates a document revision. See
// store.PutRevision for the status taxonomy.
func (db *Database) PutRevision(docID string, body Body, prevRevID string, allowConflict bool) (*Revision, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.PutRevision(docID, body, prevRevID, allowConflict)
}

// ForceInsert merges a replicated revision with its history.
func (db *Database) ForceInsert(rev *Revision, history []string, source string) error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	return st.ForceInsert(rev, history, source)
}

// GetRevision loads one revision; revID "" selects the winner.
func (db *Database) GetRevision(docID, revID string, opts BodyOption) (*Revision, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.GetRevision(docID, revID, opts)
}

// RevisionHistory lists rev and its ancestors, newest first.
func (db *Database) RevisionHistory(rev *Revision) ([]*Revision, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.RevisionHistory(rev)
}

// ChangesSince feeds revisions whose document changed after the given
// sequence.
func (db *Database) ChangesSince(since uint64, options ChangesOptions, filter ChangesFilter) ([]*Revision, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.ChangesSince(since, options, filter)
}

// AllDocsQuery lists documents by id.
func (db *Database) AllDocsQuery(options AllDocsOptions) (*AllDocsResult, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.AllDocsQuery(options)
}

// GetAttachment returns an attachment's decoded content.
func (db *Database) GetAttachment(rev *Revision, name string) ([]byte, *Attachment, error) {
	st, err := db.engine()
	if err != nil {
		return nil, nil, err
	}
	return st.GetAttachment(rev, name)
}

// AttachmentWriter streams a new attachment body into the blob store.
// Pass the returned digest in a body's "_attachments" entry with
// "follows": true on the next PutRevision.
func (db *Database) AttachmentWriter() (*BlobWriter, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.blobs == nil {
		return nil, db.lifecycleErr()
	}
	return db.blobs.NewWriter(), nil
}

// lifecycleErr reports why an engine is unavailable. Callers hold
// db.mu and have found a nil engine.
func (db *Database) lifecycleErr() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return ErrNotStarted
}

// RegisterAttachmentWriter hands a finished writer to the store so the
// next write transaction can claim it by digest.
func (db *Database) RegisterAttachmentWriter(w *BlobWriter) (string, error) {
	st, err := db.engine()
	if err != nil {
		return "", err
	}
	return st.RememberAttachmentWriter(w), nil
}

// InTransaction groups writes into one atomic batch. Change
// notifications are held until the outermost transaction commits.
// Nested mutations must happen on the calling goroutine.
func (db *Database) InTransaction(fn func() error) error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	return st.InTransaction(fn)
}

// Compact reclaims space: old revision bodies, over-deep history and
// orphaned attachment blobs.
func (db *Database) Compact() error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	if err := st.Compact(); err != nil {
		return err
	}
	db.docs.evictAll()
	return nil
}

// Purge physically removes revisions. request maps document ids to
// revision id lists; ["*"] removes the document entirely.
func (db *Database) Purge(request map[string][]string) (map[string][]string, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	result, err := st.Purge(request)
	if err != nil {
		return nil, err
	}
	for docID := range request {
		db.docs.evict(docID)
	}
	return result, nil
}

// Local documents are unversioned and invisible to views, changes and
// replication. Used for replication checkpoints.
func (db *Database) GetLocal(docID string) (Body, error) {
	st, err := db.engine()
	if err != nil {
		return nil, err
	}
	return st.GetLocal(docID)
}

func (db *Database) PutLocal(docID string, body Body, prevRevID string) (string, error) {
	st, err := db.engine()
	if err != nil {
		return "", err
	}
	return st.PutLocal(docID, body, prevRevID)
}

func (db *Database) DeleteLocal(docID, prevRevID string) error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	return st.DeleteLocal(docID, prevRevID)
}

// AddChangeListener subscribes to committed document changes. The
// returned token unsubscribes via RemoveChangeListener. Listeners run
// after the transaction releases its locks, so they may write.
func (db *Database) AddChangeListener(fn func(Change)) (int, error) {
	st, err := db.engine()
	if err != nil {
		return 0, err
	}
	return st.AddChangeListener(fn), nil
}

func (db *Database) RemoveChangeListener(token int) {
	db.mu.RLock()
	st := db.store
	db.mu.RUnlock()
	if st != nil {
		st.RemoveChangeListener(token)
	}
}

// RegisterValidation installs a named hook that may reject writes.
func (db *Database) RegisterValidation(name string, fn ValidateFunc) error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	st.RegisterValidation(name, fn)
	return nil
}

// RegisterFilter installs a named changes-feed filter.
func (db *Database) RegisterFilter(name string, fn ChangesFilter) error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	st.RegisterFilter(name, fn)
	return nil
}

// Filter looks up a registered changes-feed filter.
func (db *Database) Filter(name string) (ChangesFilter, bool) {
	db.mu.RLock()
	st := db.store
	db.mu.RUnlock()
	if st == nil {
		return nil, false
	}
	return st.Filter(name)
}

// PublicUUID identifies this database to remote peers.
func (db *Database) PublicUUID() (string, error) {
	st, err := db.engine()
	if err != nil {
		return "", err
	}
	return st.PublicUUID()
}

// PrivateUUID identifies this physical copy of the database.
func (db *Database) PrivateUUID() (string, error) {
	st, err := db.engine()
	if err != nil {
		return "", err
	}
	return st.PrivateUUID()
}

// ReplaceUUIDs assigns fresh instance UUIDs, as after restoring the
// database files onto another machine.
func (db *Database) ReplaceUUIDs() error {
	st, err := db.engine()
	if err != nil {
		return err
	}
	return st.ReplaceUUIDs()
}

// View returns the named view handle, creating it on first use.
func (db *Database) View(name string) (*View, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.views == nil {
		return nil, db.lifecycleErr()
	}
	return db.views.View(name), nil
}

// AsyncTask runs fn on the database's serial executor. All background
// work (index updates, live query refreshes, async tasks) shares this
// one queue and runs in submission order.
func (db *Database) AsyncTask(fn func(ctx context.Context) (any, error)) (*task.Future, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.exec == nil {
		return nil, db.lifecycleErr()
	}
	return db.exec.Submit(fn), nil
}
