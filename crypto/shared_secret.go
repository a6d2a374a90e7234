package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes the X25519 shared secret between our ephemeral
// private key and the peer's ephemeral public key.
//
// Both inputs must be exactly 32 bytes. Low-order peer points, which would
// yield an all-zero secret, are rejected.
func DeriveSharedSecret(mySecret, theirPublic []byte) ([KeySize]byte, error) {
	if len(mySecret) != KeySize || len(theirPublic) != KeySize {
		logrus.WithFields(logrus.Fields{
			"function":       "DeriveSharedSecret",
			"secret_length":  len(mySecret),
			"public_length":  len(theirPublic),
			"expected_bytes": KeySize,
		}).Warn("Rejecting malformed key for ECDH")
		return [KeySize]byte{}, fmt.Errorf("%w: secret %d bytes, public %d bytes",
			ErrInvalidKeyLength, len(mySecret), len(theirPublic))
	}

	// Work on a copy so the caller's buffer is never aliased by x/crypto.
	var secretCopy [KeySize]byte
	copy(secretCopy[:], mySecret)
	defer ZeroBytes(secretCopy[:])

	shared, err := curve25519.X25519(secretCopy[:], theirPublic)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DeriveSharedSecret",
			"peer_key_prefix": fmt.Sprintf("%x", theirPublic[:8]),
			"error":           err.Error(),
		}).Warn("X25519 computation failed")
		return [KeySize]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [KeySize]byte
	copy(result[:], shared)
	ZeroBytes(shared)

	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", theirPublic[:8]),
	}).Debug("Shared secret computed")

	return result, nil
}
