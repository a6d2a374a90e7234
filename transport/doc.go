// Package transport carries encrypted voice frames over several independent
// circuits to one peer.
//
// The call engine only sees the CircuitTransport interface:
//
//	h, err := t.OpenCircuits(ctx, peer, callID, 3)
//	err = t.Send(h, circuit, frame)
//	for p := range t.Inbound() { ... }
//	err = t.RebuildCircuit(ctx, h, circuit, epoch)
//	err = t.CloseCircuits(h)
//
// # Tor
//
// TorTransport opens one TCP stream per circuit through the local Tor
// client's SOCKS5 port. Each stream authenticates with distinct credentials
// of the form call:{callId}:c:{circuit}:r:{epoch}; Tor isolates streams by
// credentials, so every circuit and every rebuild gets its own path.
//
// A stream starts with a short handshake
//
//	client: callID(16) "HELLO" version(1) flags(1) circuit(1)
//	server: "OK" version(1) flags(1)
//
// where the server answers with the lower of the two versions. After that
// the stream carries length-prefixed frames: len(u16, big-endian) ‖ frame.
// Frames are opaque here; authentication happens above this layer.
//
// # In-memory
//
// MemoryNetwork links MemoryTransport endpoints inside one process with
// per-circuit loss, delay and jitter. The simulator and the tests use it.
//
// Every error returned by this package wraps ErrTransport.
package transport
