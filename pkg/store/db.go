// Package store persists compiled TinyVM programs and the outcomes of
// harness sessions.
//
// Programs are content-addressed: the ID of a program is the BLAKE2b-256
// digest of its encoded instruction segment, so identical programs share
// one entry and a stored segment can always be verified against its key.
package store

import (
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// ID is the content address of a stored program.
type ID [32]byte

// ProgramID computes the content address of an instruction segment.
func ProgramID(seg *vm.Segment) ID {
	return blake2b.Sum256(seg.Bytes())
}

// String returns the base58 representation.
func (id ID) String() string {
	return base58.Encode(id[:])
}

// IDFromString decodes a base58 program ID.
func IDFromString(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid base58: %w", err)
	}
	if len(b) != len(ID{}) {
		return ID{}, fmt.Errorf("invalid id length: %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// RunRecord is the persisted outcome of one harness session involving a
// program.
type RunRecord struct {
	Program  ID
	Outcome  uint16
	Fault    uint16
	Steps    uint64
	Codes    []uint16
	UnixTime int64
}

// DB defines the interface for program and run storage.
type DB interface {
	// GetProgram retrieves a program by ID.
	// Returns nil, nil if the program does not exist.
	GetProgram(id ID) (*vm.Segment, error)

	// PutProgram stores a program and returns its content address.
	PutProgram(seg *vm.Segment) (ID, error)

	// HasProgram returns true if the program exists.
	HasProgram(id ID) bool

	// ProgramCount returns the total number of stored programs.
	ProgramCount() uint64

	// AppendRun stores a run record.
	AppendRun(rec *RunRecord) error

	// Runs retrieves all run records of a program, in insertion order.
	Runs(id ID) ([]*RunRecord, error)

	// Close closes the database.
	Close() error
}
