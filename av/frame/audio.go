package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeAudioPayload builds an AUDIO plaintext:
//
//	[PRIMARY_LEN(2)][PRIMARY][REDUNDANT_LEN(2)][REDUNDANT]
//
// redundant is the encoded previous frame and may be empty.
func EncodeAudioPayload(primary, redundant []byte) ([]byte, error) {
	if len(primary) > math.MaxUint16 || len(redundant) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: audio frame of %d+%d bytes", ErrPayloadTooLarge, len(primary), len(redundant))
	}
	out := make([]byte, 4+len(primary)+len(redundant))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(primary)))
	n := 2 + copy(out[2:], primary)
	binary.BigEndian.PutUint16(out[n:n+2], uint16(len(redundant)))
	copy(out[n+2:], redundant)
	return out, nil
}

// DecodeAudioPayload splits an AUDIO plaintext into its primary and
// redundant encoded frames. The returned slices alias b.
func DecodeAudioPayload(b []byte) (primary, redundant []byte, err error) {
	if len(b) < 2 {
		return nil, nil, ErrMalformedAudio
	}
	pl := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+pl+2 {
		return nil, nil, fmt.Errorf("%w: primary length %d exceeds buffer", ErrMalformedAudio, pl)
	}
	primary = b[2 : 2+pl]
	rest := b[2+pl:]
	rl := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest)-2 != rl {
		return nil, nil, fmt.Errorf("%w: redundant length %d, have %d", ErrMalformedAudio, rl, len(rest)-2)
	}
	if rl > 0 {
		redundant = rest[2:]
	}
	return primary, redundant, nil
}
