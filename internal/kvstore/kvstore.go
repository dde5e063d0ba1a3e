// Package kvstore wraps the BadgerDB instance backing a perch
// database. Every persisted relation (documents, revisions,
// attachments, view rows, local documents, info) lives in this one
// keyspace under a distinct prefix.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
)

var ErrKeyNotFound = badger.ErrKeyNotFound

type Config struct {
	Path string
	// MinimumFreeGB refuses to open the store when the volume has less
	// free space than this. Zero disables the check.
	MinimumFreeGB uint
	Logger        *slog.Logger
}

type Store struct {
	config   Config
	badgerDB *badger.DB
	log      *slog.Logger
}

func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("kvstore: no path configured")
	}
	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("kvstore: mkdir %s: %w", config.Path, err)
	}
	if err := checkFreeSpace(config.Path, config.MinimumFreeGB, config.Logger); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger at %s: %w", config.Path, err)
	}

	return &Store{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}, nil
}

func checkFreeSpace(path string, minimumFreeGB uint, log *slog.Logger) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("kvstore: disk usage for %s: %w", path, err)
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	log.Debug("kvstore disk usage", "path", path, "freeGB", freeGB, "usedPercent", usage.UsedPercent)
	if minimumFreeGB > 0 && freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("kvstore: only %d GB free at %s, %d GB required", freeGB, path, minimumFreeGB)
	}
	return nil
}

// NewTransaction starts a raw badger transaction. The revision store
// holds one update transaction open across a whole logical write.
func (s *Store) NewTransaction(update bool) *badger.Txn {
	return s.badgerDB.NewTransaction(update)
}

func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.badgerDB.View(fn)
}

func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.badgerDB.Update(fn)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(key, value []byte) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) Delete(key []byte) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func IsNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

// GetTxn reads a key inside an existing transaction, copying the value
// out so it survives the transaction.
func GetTxn(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// ErrStopScan halts a prefix scan early without reporting an error.
var ErrStopScan = errors.New("kvstore: stop scan")

// ScanPrefix visits every key with the given prefix in byte order.
// Returning a non-nil error from fn stops the scan; ErrStopScan stops
// it cleanly.
func ScanPrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanPrefixReverse visits keys with the given prefix in descending
// byte order.
func ScanPrefixReverse(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the end of the prefix range. Keys never run this far
	// into 0xFF bytes, so nothing sorts after the seek point.
	seek := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xFF}, 16)...)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// DeletePrefix removes every key with the given prefix. Runs in its
// own transaction when txn is nil.
func (s *Store) DeletePrefix(prefix []byte) error {
	return s.badgerDB.DropPrefix(prefix)
}

// DeletePrefixTxn removes every key with the given prefix inside an
// existing update transaction.
func DeletePrefixTxn(txn *badger.Txn, prefix []byte) error {
	var keys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.Clean(); err != nil {
		s.log.Warn("kvstore clean on close", "error", err)
	}
	return s.badgerDB.Close()
}

// Clean syncs, flattens and garbage-collects the value log.
func (s *Store) Clean() error {
	if err := s.badgerDB.Sync(); err != nil {
		return fmt.Errorf("kvstore: sync: %w", err)
	}
	if err := s.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("kvstore: flatten: %w", err)
	}
	if err := s.badgerDB.RunValueLogGC(0.1); err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("kvstore: value log gc: %w", err)
	}
	return nil
}
