package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CallIDSize is the length of a call identifier in bytes.
const CallIDSize = 16

// CallID is the opaque identifier chosen by the call initiator. It is
// immutable for the lifetime of the call and is mixed into every key
// derivation and every nonce.
type CallID [CallIDSize]byte

// NewCallID draws a call identifier from the system CSPRNG.
func NewCallID() (CallID, error) {
	var id CallID
	if _, err := rand.Read(id[:]); err != nil {
		return CallID{}, fmt.Errorf("failed to generate call id: %w", err)
	}
	return id, nil
}

// ParseCallID parses the hex form produced by CallID.String.
func ParseCallID(s string) (CallID, error) {
	var id CallID
	b, err := hex.DecodeString(s)
	if err != nil {
		return CallID{}, fmt.Errorf("%w: %v", ErrInvalidCallID, err)
	}
	if len(b) != CallIDSize {
		return CallID{}, fmt.Errorf("%w: got %d bytes", ErrInvalidCallID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// CallIDFromBytes copies a 16-byte slice into a CallID.
func CallIDFromBytes(b []byte) (CallID, error) {
	var id CallID
	if len(b) != CallIDSize {
		return CallID{}, fmt.Errorf("%w: got %d bytes", ErrInvalidCallID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding of the id.
func (id CallID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight hex characters, for log fields.
func (id CallID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is unset.
func (id CallID) IsZero() bool {
	return id == CallID{}
}
