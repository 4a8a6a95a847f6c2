package vm

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
)

// Source supplies the randomness consumed by the rnd instruction.
//
// Implementations must return a uniform value in the closed interval
// [0, max]; in particular Uint16n(0xFFFF) draws from all 65536 values and
// Uint16n(0) always returns 0.
type Source interface {
	Uint16n(max uint16) uint16
}

// CryptoSource draws from the operating system's entropy pool. It is the
// default source of a new VM.
type CryptoSource struct{}

// Uint16n returns a uniform value in [0, max].
//
// A 64-bit draw is reduced modulo max+1. The modulo does skew the
// distribution, but by at most 2^16 / 2^64 ≈ 3.6e-15, far below anything a
// program could observe.
func (CryptoSource) Uint16n(max uint16) uint16 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// Without entropy the rnd instruction cannot be satisfied at all.
		panic(fmt.Sprintf("vm: reading entropy for rnd: %v", err))
	}
	v := binary.BigEndian.Uint64(buf[:])
	return uint16(v % (uint64(max) + 1))
}

// SeededSource is a deterministic Source for reproducible runs and tests.
type SeededSource struct {
	rng *mathrand.Rand
}

// NewSeededSource returns a Source whose draws are fully determined by seed.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: mathrand.New(mathrand.NewSource(seed))}
}

// Uint16n returns a uniform value in [0, max].
func (s *SeededSource) Uint16n(max uint16) uint16 {
	return uint16(s.rng.Uint64() % (uint64(max) + 1))
}
