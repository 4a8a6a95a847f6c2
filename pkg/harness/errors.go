package harness

import "errors"

// Fatal protocol errors. These indicate a bug in the controlling program
// (the driver or judge), not in the program under test, and abort the whole
// session. Faults of a controlled VM are never errors; they are reported to
// the controlling VM as outcome codes.
var (
	// ErrUnknownRequest is returned when a driver yields a request code the
	// protocol does not define.
	ErrUnknownRequest = errors.New("unknown yield request code")

	// ErrZeroTimeLimit is returned when a driver sets a testee time limit
	// of zero.
	ErrZeroTimeLimit = errors.New("testee time limit of zero")

	// ErrBadDoneMagic is returned when the integrity pair after the result
	// words of a Done request does not match.
	ErrBadDoneMagic = errors.New("missing magic pair after result words")

	// ErrUnknownPlayer is returned when a judge addresses a player index
	// that does not exist.
	ErrUnknownPlayer = errors.New("player index out of range")

	// ErrBadDescriptor is returned when a judge transfer descriptor has a
	// zero, oversized or mismatched length.
	ErrBadDescriptor = errors.New("malformed transfer descriptor")

	// ErrNoPlayers is returned when a judge session is created without any
	// player.
	ErrNoPlayers = errors.New("judge session needs at least one player")
)
