// Package store implements the document/revision storage engine: a
// branching revision history per document, deterministic winner
// selection, local (non-replicated) documents, attachment handling and
// compaction. Every mutating operation runs inside a transaction and
// emits change notifications once the outermost transaction commits.
package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/perchdb/perch/internal/blob"
	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

const DefaultMaxRevTreeDepth = 20

type Store struct {
	kv              *kvstore.Store
	blobs           *blob.Store
	log             *slog.Logger
	maxRevTreeDepth int

	// Single logical writer. The outermost transaction acquires
	// writeMu and opens the badger transaction. Only the goroutine
	// recorded in owner may nest; every other goroutine blocks on
	// writeMu until the transaction completes. owner and level are
	// guarded by ownerMu, the rest by writeMu.
	writeMu sync.Mutex
	ownerMu sync.Mutex
	owner   uint64
	level   int
	txn     *badger.Txn
	aborted bool

	seqMu   sync.Mutex
	lastSeq uint64

	// Blob writers finished during the open transaction, installed on
	// commit and released (or cancelled) afterwards.
	txnWriters []*blob.Writer

	// Writers handed over ahead of a ForceInsert, keyed by digest.
	pendingAtts *pendingAttachments

	notifyMu sync.Mutex
	pending  []Change
	flushing bool

	listenerMu   sync.Mutex
	listeners    map[int]func(Change)
	nextListener int

	regMu       sync.RWMutex
	validations map[string]ValidateFunc
	filters     map[string]ChangesFilter
}

type Config struct {
	KV              *kvstore.Store
	Blobs           *blob.Store
	Logger          *slog.Logger
	MaxRevTreeDepth int
}

func New(config Config) (*Store, error) {
	if config.KV == nil || config.Blobs == nil {
		return nil, fmt.Errorf("store: kv and blob stores are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxRevTreeDepth <= 0 {
		config.MaxRevTreeDepth = DefaultMaxRevTreeDepth
	}
	s := &Store{
		kv:              config.KV,
		blobs:           config.Blobs,
		log:             config.Logger,
		maxRevTreeDepth: config.MaxRevTreeDepth,
		listeners:       make(map[int]func(Change)),
		validations:     make(map[string]ValidateFunc),
		filters:         make(map[string]ChangesFilter),
		pendingAtts:     newPendingAttachments(),
	}
	if err := s.loadLastSequence(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLastSequence() error {
	raw, err := s.kv.Get(infoKey("seq"))
	if err != nil {
		if kvstore.IsNotFound(err) {
			s.lastSeq = 0
			return nil
		}
		return fmt.Errorf("store: load sequence: %w", err)
	}
	s.lastSeq = binary.BigEndian.Uint64(raw)
	return nil
}

// LastSequence returns the highest sequence number ever allocated.
func (s *Store) LastSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.lastSeq
}

// Blobs exposes the attachment blob store.
func (s *Store) Blobs() *blob.Store {
	return s.blobs
}

// KV exposes the underlying key/value store. The view engine keeps its
// index rows in the same keyspace and transactional boundary.
func (s *Store) KV() *kvstore.Store {
	return s.kv
}

// transactions --------------------------------------------------------

// goroutineID extracts the caller's numeric id from its stack header
// ("goroutine N [...]"). Used only to detect transaction reentrancy.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

// begin opens (or nests into) the store's transaction. Only the
// goroutine that opened the transaction nests; any other caller waits
// for the writer lock, so concurrent writers serialize behind an open
// transaction instead of joining it.
func (s *Store) begin() {
	gid := goroutineID()
	s.ownerMu.Lock()
	if s.level > 0 && s.owner == gid {
		s.level++
		s.ownerMu.Unlock()
		return
	}
	s.ownerMu.Unlock()

	s.writeMu.Lock()
	s.ownerMu.Lock()
	s.owner = gid
	s.level = 1
	s.ownerMu.Unlock()
	s.txn = s.kv.NewTransaction(true)
	s.aborted = false
}

// end closes one nesting level. At the outermost level the transaction
// commits (or discards on error), the writer lock is released, and
// queued change notifications are flushed.
func (s *Store) end(err error) error {
	if err != nil {
		s.aborted = true
	}
	s.ownerMu.Lock()
	s.level--
	if s.level > 0 {
		s.ownerMu.Unlock()
		return err
	}
	s.owner = 0
	s.ownerMu.Unlock()

	txn := s.txn
	s.txn = nil
	writers := s.txnWriters
	s.txnWriters = nil

	if s.aborted {
		txn.Discard()
		for _, w := range writers {
			w.Cancel()
		}
		s.notifyMu.Lock()
		s.pending = nil
		s.notifyMu.Unlock()
		s.writeMu.Unlock()
		return err
	}

	for _, w := range writers {
		if ierr := w.Install(); ierr != nil {
			err = status.New(status.InternalError, "install attachment blob: %v", ierr)
			break
		}
	}
	if err == nil {
		if cerr := txn.Commit(); cerr != nil {
			err = status.New(status.InternalError, "commit: %v", cerr)
		}
	} else {
		txn.Discard()
	}
	if err != nil {
		s.log.Error("transaction failed", "error", err)
		for _, w := range writers {
			w.Cancel()
		}
		s.notifyMu.Lock()
		s.pending = nil
		s.notifyMu.Unlock()
		s.writeMu.Unlock()
		return err
	}
	for _, w := range writers {
		w.Done()
	}
	s.writeMu.Unlock()
	s.flushChanges()
	return nil
}

// InTransaction runs fn inside the store's transaction. Calls nest; a
// nested error aborts the whole transaction. Nesting is per goroutine:
// the callback performs nested mutations on the calling goroutine,
// while writes from other goroutines block until the transaction
// completes.
func (s *Store) InTransaction(fn func() error) error {
	s.begin()
	return s.end(fn())
}

// inTxn is the internal variant handing fn the open badger
// transaction.
func (s *Store) inTxn(fn func(txn *badger.Txn) error) error {
	s.begin()
	return s.end(fn(s.txn))
}

// withReadTxn runs fn against a read snapshot.
func (s *Store) withReadTxn(fn func(txn *badger.Txn) error) error {
	return s.kv.View(fn)
}

// sequence / document number allocation -------------------------------

func (s *Store) nextSequence(txn *badger.Txn) (uint64, error) {
	s.seqMu.Lock()
	s.lastSeq++
	seq := s.lastSeq
	s.seqMu.Unlock()
	// A rolled-back transaction leaves a gap in the persisted counter.
	// Sequence density is explicitly not guaranteed.
	if err := txn.Set(infoKey("seq"), seqBytes(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

// docNumOf resolves the internal numeric id of a document, optionally
// creating it.
func (s *Store) docNumOf(txn *badger.Txn, docID string, create bool) (uint64, error) {
	raw, err := kvstore.GetTxn(txn, docIDKey(docID))
	if err == nil {
		return binary.BigEndian.Uint64(raw), nil
	}
	if !kvstore.IsNotFound(err) {
		return 0, err
	}
	if !create {
		return 0, status.New(status.NotFound, "no document %q", docID)
	}

	var docNum uint64 = 1
	if raw, err := kvstore.GetTxn(txn, infoKey("ndocs")); err == nil {
		docNum = binary.BigEndian.Uint64(raw) + 1
	} else if !kvstore.IsNotFound(err) {
		return 0, err
	}
	if err := txn.Set(infoKey("ndocs"), seqBytes(docNum)); err != nil {
		return 0, err
	}
	if err := txn.Set(docIDKey(docID), seqBytes(docNum)); err != nil {
		return 0, err
	}
	if err := txn.Set(docNumKey(docNum), []byte(docID)); err != nil {
		return 0, err
	}
	return docNum, nil
}

// change notifications ------------------------------------------------

func (s *Store) queueChange(c Change) {
	s.notifyMu.Lock()
	s.pending = append(s.pending, c)
	s.notifyMu.Unlock()
}

// flushChanges drains the pending queue outside the writer lock. The
// flushing guard stops listener-triggered writes from recursing into
// the drain; the loop re-checks the queue because such writes enqueue
// more changes.
func (s *Store) flushChanges() {
	s.notifyMu.Lock()
	if s.flushing {
		s.notifyMu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.notifyMu.Unlock()

		s.listenerMu.Lock()
		fns := make([]func(Change), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.listenerMu.Unlock()

		for _, c := range batch {
			for _, fn := range fns {
				fn(c)
			}
		}
		s.notifyMu.Lock()
	}
	s.flushing = false
	s.notifyMu.Unlock()
}

// AddChangeListener subscribes fn to committed changes. The returned
// token removes the subscription.
func (s *Store) AddChangeListener(fn func(Change)) int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListener++
	token := s.nextListener
	s.listeners[token] = fn
	return token
}

func (s *Store) RemoveChangeListener(token int) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	delete(s.listeners, token)
}

// registries ----------------------------------------------------------

// RegisterValidation installs a validation hook under a name. Hooks
// are process state: re-register them at startup, they are never
// persisted.
func (s *Store) RegisterValidation(name string, fn ValidateFunc) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if fn == nil {
		delete(s.validations, name)
		return
	}
	s.validations[name] = fn
}

func (s *Store) RegisterFilter(name string, fn ChangesFilter) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if fn == nil {
		delete(s.filters, name)
		return
	}
	s.filters[name] = fn
}

func (s *Store) Filter(name string) (ChangesFilter, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	fn, ok := s.filters[name]
	return fn, ok
}

func (s *Store) runValidations(newRev, parent *Revision) error {
	s.regMu.RLock()
	fns := make([]ValidateFunc, 0, len(s.validations))
	for _, fn := range s.validations {
		fns = append(fns, fn)
	}
	s.regMu.RUnlock()
	for _, fn := range fns {
		if msg := fn(newRev, parent); msg != "" {
			return status.New(status.Forbidden, "%s", msg)
		}
	}
	return nil
}

// instance UUIDs ------------------------------------------------------

// PublicUUID and PrivateUUID are two stable random identifiers created
// lazily and regenerable on demand.
func (s *Store) PublicUUID() (string, error) {
	return s.instanceUUID("publicUUID")
}

func (s *Store) PrivateUUID() (string, error) {
	return s.instanceUUID("privateUUID")
}

func (s *Store) instanceUUID(name string) (string, error) {
	raw, err := s.kv.Get(infoKey(name))
	if err == nil {
		return string(raw), nil
	}
	if !kvstore.IsNotFound(err) {
		return "", fmt.Errorf("store: read %s: %w", name, err)
	}
	id := randomUUID()
	if err := s.kv.Set(infoKey(name), []byte(id)); err != nil {
		return "", fmt.Errorf("store: write %s: %w", name, err)
	}
	return id, nil
}

// ReplaceUUIDs regenerates both instance identifiers.
func (s *Store) ReplaceUUIDs() error {
	for _, name := range []string{"publicUUID", "privateUUID"} {
		if err := s.kv.Set(infoKey(name), []byte(randomUUID())); err != nil {
			return fmt.Errorf("store: replace %s: %w", name, err)
		}
	}
	return nil
}

func randomUUID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("store: random uuid: %v", err))
	}
	return hex.EncodeToString(raw[:])
}

// row helpers ---------------------------------------------------------

func getRevRow(txn *badger.Txn, seq uint64) (*revRow, error) {
	raw, err := kvstore.GetTxn(txn, revKey(seq))
	if err != nil {
		return nil, err
	}
	return decodeRevRow(raw)
}

func putRevRow(txn *badger.Txn, seq uint64, row *revRow) error {
	raw, err := encodeRevRow(row)
	if err != nil {
		return err
	}
	if err := txn.Set(revKey(seq), raw); err != nil {
		return err
	}
	return txn.Set(docSeqKey(row.DocNum, seq), nil)
}

// docRevisions loads every revision row of a document, keyed by
// sequence, in ascending sequence order.
func docRevisions(txn *badger.Txn, docNum uint64) ([]uint64, map[uint64]*revRow, error) {
	var seqs []uint64
	rows := make(map[uint64]*revRow)
	err := kvstore.ScanPrefix(txn, docSeqPrefix(docNum), func(key, _ []byte) error {
		seq := seqFromDocSeqKey(key)
		row, err := getRevRow(txn, seq)
		if err != nil {
			return fmt.Errorf("revision row %d: %w", seq, err)
		}
		seqs = append(seqs, seq)
		rows[seq] = row
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return seqs, rows, nil
}

func (s *Store) docIDOf(txn *badger.Txn, docNum uint64) (string, error) {
	raw, err := kvstore.GetTxn(txn, docNumKey(docNum))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
