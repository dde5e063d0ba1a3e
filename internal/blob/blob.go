// Package blob implements the content-addressed attachment store.
// Blobs are keyed by the SHA-1 digest of their bytes and written to
// disk with an accumulate-then-install pattern: bytes only become
// visible under their final name after an atomic rename, so a reader
// can never observe partial content. Identical content is stored once.
package blob

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

const fileExtension = ".blob"

// Key identifies a blob by the SHA-1 digest of its content.
type Key [sha1.Size]byte

func KeyOf(data []byte) Key {
	return Key(sha1.Sum(data))
}

// DigestString renders the key in the wire form "sha1-<base64>".
func (k Key) DigestString() string {
	return "sha1-" + base64.StdEncoding.EncodeToString(k[:])
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseDigest parses a "sha1-<base64>" digest string.
func ParseDigest(digest string) (Key, bool) {
	var k Key
	rest, ok := strings.CutPrefix(digest, "sha1-")
	if !ok {
		return k, false
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil || len(raw) != sha1.Size {
		return k, false
	}
	copy(k[:], raw)
	return k, true
}

// Store is a directory of content-addressed blobs.
type Store struct {
	dir string
	log *slog.Logger

	mu sync.Mutex
	// pending holds keys of finished but not yet installed writers.
	// DeleteAllExcept must not reap these even though no committed
	// revision references them yet.
	pending map[Key]int
}

func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blob: mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		log:     log,
		pending: make(map[Key]int),
	}, nil
}

func (s *Store) pathFor(key Key) string {
	return filepath.Join(s.dir, key.String()+fileExtension)
}

// Store writes data and returns its key. Storing the same content
// twice is a no-op beyond the digest computation.
func (s *Store) Store(data []byte) (Key, error) {
	w := s.NewWriter()
	w.Append(data)
	key := w.Finish()
	if err := w.Install(); err != nil {
		w.Cancel()
		return Key{}, err
	}
	w.Done()
	return key, nil
}

func (s *Store) Read(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob: %s: %w", key.DigestString(), os.ErrNotExist)
		}
		return nil, fmt.Errorf("blob: read %s: %w", key.DigestString(), err)
	}
	return data, nil
}

func (s *Store) Exists(key Key) bool {
	_, err := os.Stat(s.pathFor(key))
	return err == nil
}

// TotalSize returns the combined size of all installed blobs.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("blob: list %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), fileExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Count returns the number of installed blobs.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("blob: list %s: %w", s.dir, err)
	}
	n := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), fileExtension) {
			n++
		}
	}
	return n, nil
}

// DeleteAllExcept removes every installed blob whose key is neither in
// keep nor pending installation by an in-flight writer. Returns the
// number of blobs deleted.
func (s *Store) DeleteAllExcept(keep map[Key]struct{}) (int, error) {
	s.mu.Lock()
	skip := make(map[Key]struct{}, len(keep)+len(s.pending))
	for k := range keep {
		skip[k] = struct{}{}
	}
	for k := range s.pending {
		skip[k] = struct{}{}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("blob: list %s: %w", s.dir, err)
	}
	deleted := 0
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), fileExtension)
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil || len(raw) != sha1.Size {
			s.log.Warn("blob store contains foreign file", "name", entry.Name())
			continue
		}
		var key Key
		copy(key[:], raw)
		if _, keepIt := skip[key]; keepIt {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return deleted, fmt.Errorf("blob: delete %s: %w", entry.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) addPending(key Key) {
	s.mu.Lock()
	s.pending[key]++
	s.mu.Unlock()
}

func (s *Store) removePending(key Key) {
	s.mu.Lock()
	if s.pending[key] <= 1 {
		delete(s.pending, key)
	} else {
		s.pending[key]--
	}
	s.mu.Unlock()
}

// Writer accumulates blob content. Finish computes the digests and
// registers the key as pending; Install makes the blob visible
// atomically. The key stays pending, shielded from DeleteAllExcept,
// until Done or Cancel; callers release only once the row that
// references the blob has committed.
type Writer struct {
	store    *Store
	buf      bytes.Buffer
	sha      hash.Hash
	md5      hash.Hash
	key      Key
	length   int64
	finished bool
}

func (s *Store) NewWriter() *Writer {
	return &Writer{
		store: s,
		sha:   sha1.New(),
		md5:   md5.New(),
	}
}

func (w *Writer) Append(data []byte) {
	if w.finished {
		panic("blob: Append after Finish")
	}
	w.buf.Write(data)
	w.sha.Write(data)
	w.md5.Write(data)
	w.length += int64(len(data))
}

// Finish seals the writer and returns the content key. No more data
// can be appended afterwards.
func (w *Writer) Finish() Key {
	if !w.finished {
		w.finished = true
		copy(w.key[:], w.sha.Sum(nil))
		w.store.addPending(w.key)
	}
	return w.key
}

func (w *Writer) Key() Key {
	if !w.finished {
		panic("blob: Key before Finish")
	}
	return w.key
}

func (w *Writer) Length() int64 {
	return w.length
}

// MD5DigestString returns the secondary digest in the wire form
// "md5-<base64>". Only valid after Finish.
func (w *Writer) MD5DigestString() string {
	if !w.finished {
		panic("blob: MD5DigestString before Finish")
	}
	return "md5-" + base64.StdEncoding.EncodeToString(w.md5.Sum(nil))
}

// Install moves the accumulated content to its content-addressed
// location. The rename is atomic; readers see either nothing or the
// whole blob.
func (w *Writer) Install() error {
	if !w.finished {
		w.Finish()
	}
	path := w.store.pathFor(w.key)
	if _, err := os.Stat(path); err == nil {
		// Identical content already installed.
		return nil
	}
	if err := atomic.WriteFile(path, bytes.NewReader(w.buf.Bytes())); err != nil {
		return fmt.Errorf("blob: install %s: %w", w.key.DigestString(), err)
	}
	return nil
}

// Done releases the pending registration. Call after the transaction
// referencing the blob has committed.
func (w *Writer) Done() {
	if w.finished {
		w.store.removePending(w.key)
		w.finished = false
	}
}

// Cancel discards the writer without installing anything.
func (w *Writer) Cancel() {
	if w.finished {
		w.store.removePending(w.key)
	}
	w.buf.Reset()
	w.finished = false
	w.sha = sha1.New()
	w.md5 = md5.New()
	w.length = 0
}
