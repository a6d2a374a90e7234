package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

// pipeDialer connects a caller TorTransport straight to a callee's
// ServeConn and records the isolation usernames it was asked for.
type pipeDialer struct {
	callee *TorTransport

	mu    sync.Mutex
	users []string
	conns []net.Conn
	fail  bool
}

func (d *pipeDialer) dial(_ context.Context, addr string, auth *proxy.Auth) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	d.users = append(d.users, auth.User)
	client, server := net.Pipe()
	d.conns = append(d.conns, client)
	go d.callee.ServeConn(server)
	return client, nil
}

func newTorPair(t *testing.T) (*TorTransport, *TorTransport, *pipeDialer) {
	t.Helper()
	caller := NewTorTransport(TorConfig{HandshakeTimeout: time.Second})
	callee := NewTorTransport(TorConfig{HandshakeTimeout: time.Second})
	d := &pipeDialer{callee: callee}
	caller.dial = d.dial
	t.Cleanup(func() {
		caller.Close()
		callee.Close()
	})
	return caller, callee, d
}

func recvPacket(t *testing.T, ch <-chan Packet) Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet received")
		return Packet{}
	}
}

func TestTorTransportCarriesFramesPerCircuit(t *testing.T) {
	caller, callee, d := newTorPair(t)
	id := testCallID(3)

	h, err := caller.OpenCircuits(context.Background(), "peer.onion", id, 3)
	require.NoError(t, err)

	require.Len(t, d.users, 3)
	for i, u := range d.users {
		assert.Equal(t, IsolationAuth(id, i, 0).User, u)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, caller.Send(h, i, []byte{byte(i), 0xEE}))
		p := recvPacket(t, callee.Inbound())
		assert.Equal(t, i, p.Circuit)
		assert.Equal(t, []byte{byte(i), 0xEE}, p.Data)
		assert.False(t, p.Received.IsZero())
	}

	assert.ErrorIs(t, caller.Send(h, 3, []byte{1}), ErrInvalidCircuit)
	assert.ErrorIs(t, caller.Send(h+1, 0, []byte{1}), ErrUnknownHandle)
}

func TestTorTransportRebuildUsesEpochCredentials(t *testing.T) {
	caller, callee, d := newTorPair(t)
	id := testCallID(9)

	h, err := caller.OpenCircuits(context.Background(), "peer.onion:9999", id, 2)
	require.NoError(t, err)

	// Break circuit 1 from underneath.
	d.mu.Lock()
	d.conns[1].Close()
	d.mu.Unlock()
	err = caller.Send(h, 1, []byte{1})
	require.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, caller.Send(h, 1, []byte{1}), ErrCircuitDown)

	require.NoError(t, caller.RebuildCircuit(context.Background(), h, 1, 4))
	d.mu.Lock()
	assert.Equal(t, IsolationAuth(id, 1, 4).User, d.users[len(d.users)-1])
	d.mu.Unlock()

	require.NoError(t, caller.Send(h, 1, []byte{7}))
	p := recvPacket(t, callee.Inbound())
	assert.Equal(t, 1, p.Circuit)
	assert.Equal(t, []byte{7}, p.Data)
}

func TestTorTransportOpenFailureClosesPartialSet(t *testing.T) {
	caller, _, d := newTorPair(t)
	d.fail = true

	_, err := caller.OpenCircuits(context.Background(), "peer.onion", testCallID(0), 2)
	assert.ErrorIs(t, err, ErrTransport)

	_, err = caller.OpenCircuits(context.Background(), "peer.onion", testCallID(0), 0)
	assert.ErrorIs(t, err, ErrInvalidCircuit)
}

func TestTorTransportCloseCircuits(t *testing.T) {
	caller, _, _ := newTorPair(t)

	h, err := caller.OpenCircuits(context.Background(), "peer.onion", testCallID(1), 1)
	require.NoError(t, err)
	require.NoError(t, caller.CloseCircuits(h))
	require.NoError(t, caller.CloseCircuits(h))
	assert.ErrorIs(t, caller.Send(h, 0, []byte{1}), ErrUnknownHandle)
}

func TestTorTransportListen(t *testing.T) {
	callee := NewTorTransport(TorConfig{HandshakeTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- callee.Listen(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	v, err := ClientHandshake(conn, Hello{CallID: testCallID(5), Version: ProtocolVersion2, Circuit: 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion2, v)
	require.NoError(t, WritePacket(conn, []byte("frame")))

	p := recvPacket(t, callee.Inbound())
	assert.Equal(t, 1, p.Circuit)
	assert.Equal(t, []byte("frame"), p.Data)

	require.NoError(t, callee.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}
}

func TestPeerAddr(t *testing.T) {
	tr := NewTorTransport(TorConfig{})
	assert.Equal(t, "abc.onion:9152", tr.peerAddr("abc.onion"))
	assert.Equal(t, "abc.onion:80", tr.peerAddr("abc.onion:80"))
}
