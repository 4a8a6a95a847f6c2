package store

import (
	"sync"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// MemoryDB is an in-memory implementation of DB for testing.
type MemoryDB struct {
	mu       sync.RWMutex
	programs map[ID]*vm.Segment
	runs     map[ID][]*RunRecord
}

// NewMemoryDB creates a new in-memory program database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		programs: make(map[ID]*vm.Segment),
		runs:     make(map[ID][]*RunRecord),
	}
}

// GetProgram retrieves a program by ID.
// Returns nil, nil if the program does not exist.
func (db *MemoryDB) GetProgram(id ID) (*vm.Segment, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	seg, exists := db.programs[id]
	if !exists {
		return nil, nil
	}
	// Return a clone to prevent external modification
	return cloneSegment(seg), nil
}

// PutProgram stores a program under its content address.
func (db *MemoryDB) PutProgram(seg *vm.Segment) (ID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := ProgramID(seg)
	db.programs[id] = cloneSegment(seg)
	return id, nil
}

// HasProgram returns true if the program exists.
func (db *MemoryDB) HasProgram(id ID) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, exists := db.programs[id]
	return exists
}

// ProgramCount returns the total number of stored programs.
func (db *MemoryDB) ProgramCount() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return uint64(len(db.programs))
}

// AppendRun stores a run record.
func (db *MemoryDB) AppendRun(rec *RunRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	clone := *rec
	clone.Codes = append([]uint16(nil), rec.Codes...)
	db.runs[rec.Program] = append(db.runs[rec.Program], &clone)
	return nil
}

// Runs retrieves all run records of a program, in insertion order.
func (db *MemoryDB) Runs(id ID) ([]*RunRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	recs := make([]*RunRecord, 0, len(db.runs[id]))
	for _, rec := range db.runs[id] {
		clone := *rec
		clone.Codes = append([]uint16(nil), rec.Codes...)
		recs = append(recs, &clone)
	}
	return recs, nil
}

// Close is a no-op for the in-memory database.
func (db *MemoryDB) Close() error {
	return nil
}

// Ensure MemoryDB implements DB.
var _ DB = (*MemoryDB)(nil)
