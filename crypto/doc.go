// Package crypto implements the call key schedule and frame encryption for
// torvoice.
//
// Every call starts with a fresh X25519 ephemeral key pair on each side. The
// ECDH shared secret is expanded with HKDF-SHA256 into a MasterCallKey that
// is bound to the 16-byte CallID, then into one directional master per send
// direction, and finally into one CircuitKey per transport circuit. Each
// derivation step uses its own domain-separation label, so no circuit key can
// be computed from another circuit key or used to recover the master key.
//
// # Key Exchange
//
//	kp, err := crypto.GenerateEphemeralKeyPair()
//	if err != nil {
//	    return err
//	}
//	defer kp.Wipe()
//
//	shared, err := crypto.DeriveSharedSecret(kp.Private[:], peerPublic)
//	keys, err := crypto.NewKeySet(shared, callID, 3, crypto.DirectionCaller)
//	defer keys.Wipe()
//
// # Frame Encryption
//
// Frames are sealed with XChaCha20-Poly1305. The 24-byte nonce is the CallID
// followed by the big-endian frame sequence number, so nonce uniqueness
// follows directly from the monotonic sequence counters:
//
//	nonce := crypto.DeriveNonce(callID, seq)
//	ct, err := crypto.EncryptFrame(keys.Send(circuit), nonce, plaintext, aad)
//	pt, err := crypto.DecryptFrame(keys.Recv(circuit), nonce, ct, aad)
//
// DecryptFrame returns ErrAuthentication for any modification of the key,
// nonce, associated data or ciphertext.
//
// # Secure Memory
//
// Key material is overwritten with SecureWipe/WipeKey before it is released.
// Go cannot guarantee that copies made by the runtime are erased, so keys are
// kept in fixed-size arrays owned by a single KeySet and wiped in place.
package crypto
