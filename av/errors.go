package av

import (
	"errors"
	"fmt"
)

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// ErrState is the root of every signaling or lifecycle error that refers to
// an unknown, foreign or duplicate call. Callers treat it as a no-op.
var ErrState = errors.New("call state error")

// Session errors.
var (
	// ErrAlreadyKeyed indicates Start on a session that already has keys.
	ErrAlreadyKeyed = fmt.Errorf("%w: session already keyed", ErrState)

	// ErrInvalidTransition indicates a state change the lifecycle forbids.
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrState)

	// ErrSessionEnded indicates an operation on a session being torn down.
	ErrSessionEnded = fmt.Errorf("%w: session ended", ErrState)

	// ErrNotActive indicates inbound media for a session that is not ACTIVE.
	ErrNotActive = fmt.Errorf("%w: session not active", ErrState)

	// ErrDuplicateFrame indicates an authenticated frame whose sequence was
	// already accepted.
	ErrDuplicateFrame = errors.New("duplicate frame")

	// ErrInvalidConfig indicates unusable session or manager settings.
	ErrInvalidConfig = errors.New("invalid call configuration")
)

// Manager errors.
var (
	// ErrUnknownCall indicates signaling for a call id this side never saw.
	ErrUnknownCall = fmt.Errorf("%w: unknown call", ErrState)

	// ErrForeignPeer indicates signaling for a known call from another peer.
	ErrForeignPeer = fmt.Errorf("%w: call belongs to another peer", ErrState)

	// ErrBusy indicates another call is already in progress.
	ErrBusy = errors.New("another call is in progress")

	// ErrNoAnswer indicates the peer did not answer within the offer timeout.
	ErrNoAnswer = errors.New("no answer")
)

// Signaling errors.
var (
	// ErrInvalidSignal indicates a signaling message that failed to decode
	// or validate.
	ErrInvalidSignal = errors.New("invalid signaling message")

	// ErrNoSignaler indicates a manager built without a signaling channel.
	ErrNoSignaler = errors.New("no signaler configured")
)
