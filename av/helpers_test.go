package av

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/stretchr/testify/require"
)

func testCallID(b byte) crypto.CallID {
	var id crypto.CallID
	for i := range id {
		id[i] = b + byte(i)
	}
	return id
}

// fakeClock is a manually advanced TimeProvider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testSessionConfig keeps the periodic tasks quiet unless a test needs them.
func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.TelemetryInterval = time.Hour
	cfg.TeardownTimeout = 300 * time.Millisecond
	cfg.RebuildTimeout = time.Hour
	return cfg
}

func receiveOnlyMedia(cfg SessionConfig) Media {
	return Media{Decoder: audio.NewPCMDecoder(cfg.Jitter.SamplesPerFrame)}
}

// newActivePair keys a caller and a callee session against each other over
// an in-memory network. Neither side captures audio. wrap, when set, replaces
// the caller's transport.
func newActivePair(t *testing.T, cfg SessionConfig, wrap func(*transport.MemoryTransport) transport.CircuitTransport) (caller, callee *Session, net *transport.MemoryNetwork) {
	t.Helper()
	return newActivePairWithMedia(t, cfg, wrap, receiveOnlyMedia(cfg))
}

// newActivePairWithMedia is newActivePair with the caller's media supplied.
func newActivePairWithMedia(t *testing.T, cfg SessionConfig, wrap func(*transport.MemoryTransport) transport.CircuitTransport, callerMedia Media) (caller, callee *Session, net *transport.MemoryNetwork) {
	t.Helper()

	net = transport.NewMemoryNetwork(1)
	a := net.Endpoint("a")
	b := net.Endpoint("b")
	var callerTransport transport.CircuitTransport = a
	if wrap != nil {
		callerTransport = wrap(a)
	}

	kpA, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	kpB, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	pubA, pubB := kpA.Public, kpB.Public

	id := testCallID(1)
	caller, err = NewSession(id, "b", RoleCaller, kpA, SessionOptions{Config: cfg, Transport: callerTransport, Media: callerMedia})
	require.NoError(t, err)
	callee, err = NewSession(id, "a", RoleCallee, kpB, SessionOptions{Config: cfg, Transport: b, Media: receiveOnlyMedia(cfg)})
	require.NoError(t, err)

	require.NoError(t, caller.advance(StateConnecting))
	require.NoError(t, callee.advance(StateConnecting))
	require.NoError(t, callee.advance(StateRinging))

	ctx := context.Background()
	require.NoError(t, caller.Start(ctx, pubB[:]))
	require.NoError(t, callee.Start(ctx, pubA[:]))

	t.Cleanup(func() {
		caller.End("test done")
		callee.End("test done")
	})
	return caller, callee, net
}

func recvPacket(t *testing.T, ch <-chan transport.Packet) transport.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet received")
		return transport.Packet{}
	}
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return Event{}
		}
	}
}

// recordingSignaler records every message and optionally forwards it.
type recordingSignaler struct {
	mu       sync.Mutex
	messages []sentSignal
	forward  func(ctx context.Context, peer string, raw []byte) error
}

type sentSignal struct {
	peer string
	raw  []byte
	msg  SignalMessage
}

func (r *recordingSignaler) SendSignal(ctx context.Context, peer string, raw []byte) error {
	msg, err := DecodeSignal(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.messages = append(r.messages, sentSignal{peer: peer, raw: append([]byte(nil), raw...), msg: msg})
	forward := r.forward
	r.mu.Unlock()
	if forward != nil {
		return forward(ctx, peer, raw)
	}
	return nil
}

func (r *recordingSignaler) sent(t SignalType) []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentSignal
	for _, s := range r.messages {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}
