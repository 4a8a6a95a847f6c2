package store

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

const (
	// programKeyPrefix is the prefix for program keys in BadgerDB.
	programKeyPrefix = "program:"
	// runKeyPrefix is the prefix for run record keys in BadgerDB.
	runKeyPrefix = "run:"

	// programCacheSize bounds the decoded-segment cache. Segments are
	// 128 KiB each once decoded, so this caps the cache at a few MiB.
	programCacheSize = 32
)

// BadgerDB is a persistent implementation of DB using BadgerDB.
type BadgerDB struct {
	db    *badger.DB
	count atomic.Uint64
	cache *lru.Cache[ID, *vm.Segment]
}

// NewBadgerDB creates a new program database at the specified path.
func NewBadgerDB(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	cache, err := lru.New[ID, *vm.Segment](programCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	bdb := &BadgerDB{
		db:    db,
		cache: cache,
	}

	count, err := bdb.countPrefix([]byte(programKeyPrefix))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count programs: %w", err)
	}
	bdb.count.Store(count)

	return bdb, nil
}

// makeProgramKey creates the key for a program.
func makeProgramKey(id ID) []byte {
	key := make([]byte, len(programKeyPrefix)+len(id))
	copy(key, programKeyPrefix)
	copy(key[len(programKeyPrefix):], id[:])
	return key
}

// makeRunKey creates the key for run record seq of a program. The sequence
// number is big-endian so that iteration order is insertion order.
func makeRunKey(id ID, seq uint64) []byte {
	key := make([]byte, len(runKeyPrefix)+len(id)+8)
	copy(key, runKeyPrefix)
	copy(key[len(runKeyPrefix):], id[:])
	binary.BigEndian.PutUint64(key[len(runKeyPrefix)+len(id):], seq)
	return key
}

// GetProgram retrieves a program by ID.
// Returns nil, nil if the program does not exist.
func (db *BadgerDB) GetProgram(id ID) (*vm.Segment, error) {
	if seg, ok := db.cache.Get(id); ok {
		return cloneSegment(seg), nil
	}

	key := makeProgramKey(id)
	var seg *vm.Segment

	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			var deserErr error
			seg, deserErr = DeserializeProgram(val)
			return deserErr
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get program: %w", err)
	}

	if seg != nil {
		db.cache.Add(id, cloneSegment(seg))
	}
	return seg, nil
}

// PutProgram stores a program under its content address.
func (db *BadgerDB) PutProgram(seg *vm.Segment) (ID, error) {
	id := ProgramID(seg)
	key := makeProgramKey(id)
	data := SerializeProgram(seg)

	err := db.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		isNew := err == badger.ErrKeyNotFound

		if err := txn.Set(key, data); err != nil {
			return err
		}

		if isNew {
			db.count.Add(1)
		}
		return nil
	})

	if err != nil {
		return ID{}, fmt.Errorf("failed to put program: %w", err)
	}

	db.cache.Add(id, cloneSegment(seg))
	return id, nil
}

// HasProgram returns true if the program exists.
func (db *BadgerDB) HasProgram(id ID) bool {
	if db.cache.Contains(id) {
		return true
	}

	key := makeProgramKey(id)
	var exists bool

	db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		exists = err == nil
		return nil
	})

	return exists
}

// ProgramCount returns the total number of stored programs.
func (db *BadgerDB) ProgramCount() uint64 {
	return db.count.Load()
}

// AppendRun stores a run record after the program's existing ones.
func (db *BadgerDB) AppendRun(rec *RunRecord) error {
	data, err := SerializeRunRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize run record: %w", err)
	}

	err = db.db.Update(func(txn *badger.Txn) error {
		seq, err := db.nextRunSeq(txn, rec.Program)
		if err != nil {
			return err
		}
		return txn.Set(makeRunKey(rec.Program, seq), data)
	})

	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}
	return nil
}

// Runs retrieves all run records of a program, in insertion order.
func (db *BadgerDB) Runs(id ID) ([]*RunRecord, error) {
	prefix := makeRunKey(id, 0)[:len(runKeyPrefix)+len(id)]
	var recs []*RunRecord

	err := db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := DeserializeRunRecord(val)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	return recs, nil
}

// Close closes the database.
func (db *BadgerDB) Close() error {
	return db.db.Close()
}

// nextRunSeq finds the first unused sequence number for a program.
func (db *BadgerDB) nextRunSeq(txn *badger.Txn, id ID) (uint64, error) {
	prefix := makeRunKey(id, 0)[:len(runKeyPrefix)+len(id)]

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	opts.Reverse = true

	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek to the last key under the prefix.
	seek := make([]byte, len(prefix)+8)
	copy(seek, prefix)
	for i := len(prefix); i < len(seek); i++ {
		seek[i] = 0xFF
	}
	it.Seek(seek)
	if !it.Valid() {
		return 0, nil
	}
	key := it.Item().Key()
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("malformed run key of length %d", len(key))
	}
	return binary.BigEndian.Uint64(key[len(prefix):]) + 1, nil
}

// countPrefix counts all keys under a prefix.
func (db *BadgerDB) countPrefix(prefix []byte) (uint64, error) {
	var count uint64

	err := db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys for counting
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

func cloneSegment(seg *vm.Segment) *vm.Segment {
	out := *seg
	return &out
}

// Ensure BadgerDB implements DB.
var _ DB = (*BadgerDB)(nil)
