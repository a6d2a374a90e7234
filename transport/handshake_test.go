package transport

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCallID(b byte) crypto.CallID {
	var id crypto.CallID
	for i := range id {
		id[i] = b + byte(i)
	}
	return id
}

func TestHandshakeNegotiatesMinimumVersion(t *testing.T) {
	tests := []struct {
		name      string
		offered   byte
		supported byte
		want      byte
	}{
		{"same version", ProtocolVersion2, ProtocolVersion2, ProtocolVersion2},
		{"old client", ProtocolVersion1, ProtocolVersion2, ProtocolVersion1},
		{"old server", ProtocolVersion2, ProtocolVersion1, ProtocolVersion1},
		{"newer client", 7, ProtocolVersion2, ProtocolVersion2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			type result struct {
				hello   Hello
				version byte
				err     error
			}
			done := make(chan result, 1)
			go func() {
				h, v, err := ServerHandshake(server, tt.supported, time.Second)
				done <- result{h, v, err}
			}()

			hello := Hello{CallID: testCallID(1), Version: tt.offered, Flags: 0, Circuit: 2}
			got, err := ClientHandshake(client, hello, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			r := <-done
			require.NoError(t, r.err)
			assert.Equal(t, tt.want, r.version)
			assert.Equal(t, hello, r.hello)
		})
	}
}

func TestServerHandshakeRejectsGarbage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		bad := make([]byte, helloSize)
		copy(bad[crypto.CallIDSize:], "HOWDY")
		client.Write(bad)
	}()

	_, _, err := ServerHandshake(server, CurrentProtocolVersion, time.Second)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestClientHandshakeTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, helloSize)
		server.Read(buf)
		// Never answer.
	}()

	start := time.Now()
	_, err := ClientHandshake(client, Hello{CallID: testCallID(0), Version: 2}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientHandshakeRejectsUpgrade(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, helloSize)
		server.Read(buf)
		server.Write([]byte{'O', 'K', 9, 0})
	}()

	_, err := ClientHandshake(client, Hello{CallID: testCallID(0), Version: 2}, time.Second)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestIsolationAuth(t *testing.T) {
	id := testCallID(0)
	a := IsolationAuth(id, 1, 0)
	b := IsolationAuth(id, 1, 1)

	assert.Equal(t, "call:"+id.String()+":c:1:r:0", a.User)
	assert.Equal(t, "x", a.Password)
	assert.NotEqual(t, a.User, b.User, "a rebuild must use fresh credentials")
}
