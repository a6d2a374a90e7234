package crypto

import "errors"

var (
	// ErrInvalidKeyLength indicates a public or private key of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrAuthentication indicates an AEAD tag mismatch. The frame was
	// modified, or was sealed under a different key, nonce or AAD.
	ErrAuthentication = errors.New("frame authentication failed")

	// ErrInvalidCircuitIndex indicates a circuit index outside 0..255.
	ErrInvalidCircuitIndex = errors.New("invalid circuit index")

	// ErrInvalidCallID indicates a malformed textual call id.
	ErrInvalidCallID = errors.New("invalid call id")

	// ErrKeysWiped indicates use of a KeySet after teardown.
	ErrKeysWiped = errors.New("key set has been wiped")
)
