package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels. Changing any of them breaks interoperability.
const (
	masterKeyLabel      = "torvoice-call-master-v1"
	directionalKeyLabel = "torvoice-direction-v1"
	circuitKeyLabel     = "torvoice-circuit-v1"
)

// Send directions. The caller seals with DirectionCaller, the callee with
// DirectionCallee; each side opens with the other one.
const (
	DirectionCaller byte = 0
	DirectionCallee byte = 1
)

// MaxCircuits bounds the number of circuits one call may use; circuit indices
// travel as a single byte.
const MaxCircuits = 256

// DeriveMasterKey expands the ECDH shared secret into the MasterCallKey. The
// CallID is used both as HKDF salt and in the info string, so the same shared
// secret yields unrelated keys for different calls.
func DeriveMasterKey(sharedSecret [KeySize]byte, callID CallID) ([KeySize]byte, error) {
	info := make([]byte, 0, len(masterKeyLabel)+CallIDSize)
	info = append(info, masterKeyLabel...)
	info = append(info, callID[:]...)

	var master [KeySize]byte
	r := hkdf.New(sha256.New, sharedSecret[:], callID[:], info)
	if _, err := io.ReadFull(r, master[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("failed to derive master key: %w", err)
	}
	return master, nil
}

// DeriveDirectionalKey derives the per-direction master from which that
// direction's circuit keys are expanded. Both directions start their
// sequence counters at zero; separate keys keep (key, nonce) pairs unique.
func DeriveDirectionalKey(master [KeySize]byte, direction byte) ([KeySize]byte, error) {
	info := append([]byte(directionalKeyLabel), direction)
	return expand(master, info)
}

// DeriveCircuitKey derives the key for one circuit index. The derivation is
// one-way: knowing CircuitKey[i] reveals nothing about CircuitKey[j] or the
// key it was derived from.
func DeriveCircuitKey(key [KeySize]byte, index int) ([KeySize]byte, error) {
	if index < 0 || index >= MaxCircuits {
		return [KeySize]byte{}, fmt.Errorf("%w: %d", ErrInvalidCircuitIndex, index)
	}
	info := append([]byte(circuitKeyLabel), byte(index))
	return expand(key, info)
}

func expand(prk [KeySize]byte, info []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.Expand(sha256.New, prk[:], info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return out, nil
}

// KeySet holds every key of one call: the master key and the send and
// receive circuit keys. It is exclusively owned by a call session and wiped
// at teardown.
type KeySet struct {
	mu      sync.RWMutex
	callID  CallID
	master  [KeySize]byte
	send    [][KeySize]byte
	recv    [][KeySize]byte
	wiped   bool
	sendDir byte
}

// NewKeySet runs the full key schedule for a call. sendDirection is the
// direction this side seals with. The shared secret is wiped before return.
func NewKeySet(shared [KeySize]byte, callID CallID, circuits int, sendDirection byte) (*KeySet, error) {
	defer ZeroBytes(shared[:])

	if circuits <= 0 || circuits > MaxCircuits {
		return nil, fmt.Errorf("%w: %d circuits", ErrInvalidCircuitIndex, circuits)
	}

	master, err := DeriveMasterKey(shared, callID)
	if err != nil {
		return nil, err
	}

	ks := &KeySet{
		callID:  callID,
		master:  master,
		send:    make([][KeySize]byte, circuits),
		recv:    make([][KeySize]byte, circuits),
		sendDir: sendDirection,
	}

	sendMaster, err := DeriveDirectionalKey(master, sendDirection)
	if err != nil {
		ks.Wipe()
		return nil, err
	}
	defer ZeroBytes(sendMaster[:])
	recvMaster, err := DeriveDirectionalKey(master, sendDirection^1)
	if err != nil {
		ks.Wipe()
		return nil, err
	}
	defer ZeroBytes(recvMaster[:])

	for i := 0; i < circuits; i++ {
		if ks.send[i], err = DeriveCircuitKey(sendMaster, i); err != nil {
			ks.Wipe()
			return nil, err
		}
		if ks.recv[i], err = DeriveCircuitKey(recvMaster, i); err != nil {
			ks.Wipe()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewKeySet",
		"call_id":        callID.Short(),
		"circuits":       circuits,
		"send_direction": sendDirection,
	}).Debug("Call key schedule derived")

	return ks, nil
}

// Circuits returns the number of circuits the set was derived for.
func (ks *KeySet) Circuits() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.send)
}

// SendDirection returns the direction this side seals with.
func (ks *KeySet) SendDirection() byte {
	return ks.sendDir
}

// Send returns a copy of the sealing key for a circuit.
func (ks *KeySet) Send(circuit int) ([KeySize]byte, error) {
	return ks.key(ks.send, circuit)
}

// Recv returns a copy of the opening key for a circuit.
func (ks *KeySet) Recv(circuit int) ([KeySize]byte, error) {
	return ks.key(ks.recv, circuit)
}

func (ks *KeySet) key(keys [][KeySize]byte, circuit int) ([KeySize]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.wiped {
		return [KeySize]byte{}, ErrKeysWiped
	}
	if circuit < 0 || circuit >= len(keys) {
		return [KeySize]byte{}, fmt.Errorf("%w: %d", ErrInvalidCircuitIndex, circuit)
	}
	return keys[circuit], nil
}

// Seal encrypts a frame payload for a circuit using the send key.
func (ks *KeySet) Seal(circuit int, seq uint64, plaintext, aad []byte) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.wiped {
		return nil, ErrKeysWiped
	}
	if circuit < 0 || circuit >= len(ks.send) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCircuitIndex, circuit)
	}
	return EncryptFrame(ks.send[circuit][:], DeriveNonce(ks.callID, seq), plaintext, aad)
}

// Open decrypts a frame payload received on a circuit using the receive key.
func (ks *KeySet) Open(circuit int, seq uint64, ciphertext, aad []byte) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.wiped {
		return nil, ErrKeysWiped
	}
	if circuit < 0 || circuit >= len(ks.recv) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCircuitIndex, circuit)
	}
	return DecryptFrame(ks.recv[circuit][:], DeriveNonce(ks.callID, seq), ciphertext, aad)
}

// Wipe zeroizes every key held by the set. It is idempotent.
func (ks *KeySet) Wipe() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	WipeKey(ks.master[:])
	for i := range ks.send {
		WipeKey(ks.send[i][:])
	}
	for i := range ks.recv {
		WipeKey(ks.recv[i][:])
	}
	ks.wiped = true
}

// Wiped reports whether every key buffer is zero.
func (ks *KeySet) Wiped() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !isZero(ks.master[:]) {
		return false
	}
	for i := range ks.send {
		if !isZero(ks.send[i][:]) || !isZero(ks.recv[i][:]) {
			return false
		}
	}
	return ks.wiped
}
