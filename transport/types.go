package transport

import (
	"context"
	"time"

	"github.com/opd-ai/torvoice/crypto"
)

// Handle identifies the circuit set opened for one call.
type Handle uint64

// Packet is one frame received on a circuit.
type Packet struct {
	Circuit  int
	Data     []byte
	Received time.Time
}

// CircuitTransport carries opaque frames over several independent circuits
// to one peer. Implementations must be safe for concurrent use; Send may be
// called from several goroutines for different circuits.
type CircuitTransport interface {
	// OpenCircuits establishes count circuits to peer for callID.
	OpenCircuits(ctx context.Context, peer string, callID crypto.CallID, count int) (Handle, error)
	// Send writes one frame on a circuit. Errors wrap ErrTransport.
	Send(h Handle, circuit int, data []byte) error
	// Inbound delivers frames from every circuit of every call.
	Inbound() <-chan Packet
	// CloseCircuits tears down every circuit of h. Closing twice is a no-op.
	CloseCircuits(h Handle) error
	// RebuildCircuit replaces one circuit with a fresh path. The epoch keeps
	// the new path distinct from every earlier one.
	RebuildCircuit(ctx context.Context, h Handle, circuit int, epoch uint64) error
}
