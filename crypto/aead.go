package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce size: CallID (16) plus the
// big-endian sequence number (8).
const NonceSize = chacha20poly1305.NonceSizeX

// Overhead is the authentication tag size added to each sealed frame.
const Overhead = chacha20poly1305.Overhead

// DeriveNonce builds the frame nonce from the call id and sequence number.
// It is a pure function of its inputs and injective in seq for a fixed call.
func DeriveNonce(callID CallID, seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:CallIDSize], callID[:])
	binary.BigEndian.PutUint64(nonce[CallIDSize:], seq)
	return nonce
}

// EncryptFrame seals plaintext under key with the given nonce and associated
// data.
func EncryptFrame(key []byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// DecryptFrame opens a sealed frame. Any mismatch in key, nonce, associated
// data or ciphertext yields ErrAuthentication.
func DecryptFrame(key []byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrAuthentication
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}
