package vm

import "errors"

// Errors reported by the segment loader. Program faults (illegal
// instructions, exhausted budgets) are not Go errors; they are reported as
// step and run outcomes so a host can hand them to a controlling VM as data.
var (
	// ErrSegmentTooLarge is returned when an encoded segment exceeds
	// MaxSegmentBytes.
	ErrSegmentTooLarge = errors.New("segment too large")

	// ErrSegmentOddLength is returned when an encoded segment ends in the
	// middle of a word.
	ErrSegmentOddLength = errors.New("segment has odd byte length")
)
