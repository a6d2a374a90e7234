package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// KeySize is the size of X25519 keys and of every derived symmetric key.
const KeySize = 32

// EphemeralKeyPair is a per-call-attempt X25519 key pair. It is never
// persisted and the private half is wiped at teardown.
type EphemeralKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateEphemeralKeyPair creates a fresh key pair from the system CSPRNG.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	return generateEphemeralKeyPair(rand.Reader)
}

func generateEphemeralKeyPair(random io.Reader) (*EphemeralKeyPair, error) {
	dh, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "GenerateEphemeralKeyPair",
			"error":    err.Error(),
		}).Error("Ephemeral key generation failed")
		return nil, fmt.Errorf("failed to generate ephemeral key pair: %w", err)
	}
	if len(dh.Public) != KeySize || len(dh.Private) != KeySize {
		ZeroBytes(dh.Private)
		return nil, ErrInvalidKeyLength
	}

	kp := &EphemeralKeyPair{}
	copy(kp.Public[:], dh.Public)
	copy(kp.Private[:], dh.Private)
	ZeroBytes(dh.Private)

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateEphemeralKeyPair",
		"public_key": fmt.Sprintf("%x", kp.Public[:8]),
	}).Debug("Generated ephemeral key pair")

	return kp, nil
}

// Wipe erases the private key. The public key is left intact so it can still
// be logged or compared after teardown.
func (kp *EphemeralKeyPair) Wipe() {
	if kp == nil {
		return
	}
	WipeKey(kp.Private[:])
}

// Wiped reports whether the private key has been erased.
func (kp *EphemeralKeyPair) Wiped() bool {
	return kp == nil || isZero(kp.Private[:])
}
