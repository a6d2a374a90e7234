package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestDeriveSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(alice.Private[:], bob.Public[:])
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(bob.Private[:], alice.Public[:])
	require.NoError(t, err)

	assert.Equal(t, ab, ba)

	reference, err := curve25519.X25519(alice.Private[:], bob.Public[:])
	require.NoError(t, err)
	assert.Equal(t, reference, ab[:])
}

func TestDeriveSharedSecretRejectsMalformedKeys(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret []byte
		public []byte
	}{
		{"short public", kp.Private[:], make([]byte, 31)},
		{"long public", kp.Private[:], make([]byte, 33)},
		{"short secret", kp.Private[:16], kp.Public[:]},
		{"nil public", kp.Private[:], nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveSharedSecret(tt.secret, tt.public)
			assert.ErrorIs(t, err, ErrInvalidKeyLength)
		})
	}
}

func TestDeriveSharedSecretRejectsLowOrderPoint(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	// The all-zero point is of small order and produces an all-zero secret.
	_, err = DeriveSharedSecret(kp.Private[:], make([]byte, KeySize))
	assert.Error(t, err)
}
