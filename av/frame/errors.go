package frame

import (
	"errors"
	"fmt"
)

// ErrProtocol is the root of every framing error. Frames failing to parse are
// discarded by the receiver and never surfaced to the user.
var ErrProtocol = errors.New("protocol error")

var (
	// ErrShortFrame indicates input shorter than the fixed header.
	ErrShortFrame = fmt.Errorf("%w: frame shorter than header", ErrProtocol)

	// ErrPayloadTooLarge indicates a declared or supplied payload above MaxPayloadSize.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds maximum size", ErrProtocol)

	// ErrLengthMismatch indicates the declared payload length disagrees with the bytes present.
	ErrLengthMismatch = fmt.Errorf("%w: payload length mismatch", ErrProtocol)

	// ErrMalformedAudio indicates an AUDIO plaintext whose inner lengths overrun the buffer.
	ErrMalformedAudio = fmt.Errorf("%w: malformed audio payload", ErrProtocol)

	// ErrNilFrame is returned when encoding a nil frame.
	ErrNilFrame = errors.New("frame is nil")
)
