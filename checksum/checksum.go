// Package checksum computes and verifies the running checksum carried by call fragments.
//
// A logical call may span many frames. Each fragment carries a checksum over the argument
// bytes it contains, seeded with the checksum accepted for the previous fragment of the same
// message (0 for the first). A corrupted fragment is therefore caught at its own boundary
// instead of only when the whole call completes.
package checksum

import (
	"errors"
	"fmt"
)

// Type is the csumtype byte of a call fragment.
type Type byte

const (
	None                  Type = 0x00
	Adler32               Type = 0x01
	FarmhashFingerprint32 Type = 0x02
	CRC32C                Type = 0x03
)

// ErrTypeMismatch is returned when a continuation switches checksum type mid-message.
var ErrTypeMismatch = errors.New("checksum: peer changed checksum type within a message")

// Valid reports whether t is a recognized checksum type.
func (t Type) Valid() bool {
	return t <= CRC32C
}

// Size returns the number of checksum bytes that follow the type byte on the wire.
func (t Type) Size() int {
	if t == None {
		return 0
	}
	return 4
}

func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Adler32:
		return "Adler32"
	case FarmhashFingerprint32:
		return "FarmhashFingerprint32"
	case CRC32C:
		return "CRC32C"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Calculate returns the checksum of args, in order, continuing from seed.
//
// Only Adler32 is computed. FarmhashFingerprint32 and CRC32C are accepted tags whose
// digest is always 0, and None is 0 by definition.
func Calculate(t Type, seed uint32, args ...[]byte) uint32 {
	if t != Adler32 {
		return 0
	}
	sum := adler32Update(seed, nil)
	for _, arg := range args {
		sum = adler32Update(sum, arg)
	}
	return sum
}

// Verify reports whether want matches the checksum of args continued from seed.
func Verify(t Type, seed, want uint32, args ...[]byte) bool {
	return Calculate(t, seed, args...) == want
}

// MismatchError describes a fragment whose checksum did not verify.
type MismatchError struct {
	Type     Type
	Expected uint32 // Carried by the fragment
	Actual   uint32 // Computed locally
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum: %s mismatch: peer sent %08x, computed %08x", e.Type, e.Expected, e.Actual)
}
