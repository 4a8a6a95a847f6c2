package vm

import (
	"encoding/binary"
	"fmt"
)

const (
	// SegmentWords is the number of words in a segment. Every 16-bit value
	// is a valid address, so no access can ever be out of range.
	SegmentWords = 1 << 16

	// MaxSegmentBytes is the maximum encoded size of a segment: two bytes
	// per word, big-endian.
	MaxSegmentBytes = SegmentWords * 2
)

// Segment is a linear 65536-word address space, used both for instruction
// memory and for data memory. Addresses are word indices, not byte offsets.
// The zero value is ready to use.
type Segment [SegmentWords]uint16

// ParseSegment decodes a segment from its on-disk form: a stream of
// big-endian words, at most MaxSegmentBytes long. Words beyond the supplied
// length are zero.
func ParseSegment(raw []byte) (*Segment, error) {
	if len(raw) > MaxSegmentBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrSegmentTooLarge, len(raw), MaxSegmentBytes)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentOddLength, len(raw))
	}
	seg := new(Segment)
	for i := 0; i < len(raw); i += 2 {
		seg[i/2] = binary.BigEndian.Uint16(raw[i:])
	}
	return seg, nil
}

// SegmentFromWords builds a segment whose first words are the given prefix.
// It is primarily a convenience for tests and program construction.
func SegmentFromWords(prefix ...uint16) *Segment {
	seg := new(Segment)
	copy(seg[:], prefix)
	return seg
}

// Bytes encodes the full segment in its on-disk form.
func (s *Segment) Bytes() []byte {
	buf := make([]byte, MaxSegmentBytes)
	for i, w := range s {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

// Zero resets every word of the segment.
func (s *Segment) Zero() {
	for i := range s {
		s[i] = 0
	}
}
