package transport

import (
	"errors"
	"fmt"
)

// ErrTransport is the root of every transport failure. Callers treat it as
// absorbable: the frame is rerouted or the circuit rebuilt.
var ErrTransport = errors.New("transport error")

var (
	ErrClosed         = fmt.Errorf("%w: closed", ErrTransport)
	ErrUnknownHandle  = fmt.Errorf("%w: unknown handle", ErrTransport)
	ErrUnknownPeer    = fmt.Errorf("%w: unknown peer", ErrTransport)
	ErrInvalidCircuit = fmt.Errorf("%w: invalid circuit", ErrTransport)
	ErrCircuitDown    = fmt.Errorf("%w: circuit down", ErrTransport)
	ErrPacketTooLarge = fmt.Errorf("%w: packet too large", ErrTransport)
	ErrEmptyPacket    = fmt.Errorf("%w: empty packet", ErrTransport)
	ErrHandshake      = fmt.Errorf("%w: handshake failed", ErrTransport)
)
