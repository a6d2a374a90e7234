package av

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/av/frame"
	"github.com/opd-ai/torvoice/av/scheduler"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionValidation(t *testing.T) {
	cfg := testSessionConfig()
	tr := transport.NewMemoryNetwork(1).Endpoint("a")
	kp, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)

	bad := cfg
	bad.Circuits = 0
	oversized := cfg
	oversized.Jitter.FrameInterval = 40 * time.Millisecond
	oversized.Jitter.SamplesPerFrame = 1920

	tests := []struct {
		name string
		kp   *crypto.EphemeralKeyPair
		opts SessionOptions
	}{
		{"bad config", kp, SessionOptions{Config: bad, Transport: tr, Media: receiveOnlyMedia(cfg)}},
		{"frames too large", kp, SessionOptions{Config: oversized, Transport: tr, Media: receiveOnlyMedia(cfg)}},
		{"no transport", kp, SessionOptions{Config: cfg, Media: receiveOnlyMedia(cfg)}},
		{"no key pair", nil, SessionOptions{Config: cfg, Transport: tr, Media: receiveOnlyMedia(cfg)}},
		{"no decoder", kp, SessionOptions{Config: cfg, Transport: tr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(testCallID(1), "b", RoleCaller, tt.kp, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSessionStartActivates(t *testing.T) {
	caller, callee, _ := newActivePair(t, testSessionConfig(), nil)

	assert.Equal(t, StateActive, caller.State())
	assert.Equal(t, StateActive, callee.State())
	assert.True(t, caller.Keyed())
	assert.True(t, caller.keyPair.Wiped(), "ephemeral private key is dropped once keyed")
	assert.Equal(t, crypto.DirectionCaller, caller.keys.SendDirection())
	assert.Equal(t, crypto.DirectionCallee, callee.keys.SendDirection())
}

func TestSessionStartIsOnceOnly(t *testing.T) {
	caller, _, _ := newActivePair(t, testSessionConfig(), nil)
	keys := caller.keys

	other, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	err = caller.Start(context.Background(), other.Public[:])
	assert.ErrorIs(t, err, ErrAlreadyKeyed)
	assert.ErrorIs(t, err, ErrState)
	assert.Same(t, keys, caller.keys, "no second key set")
	assert.Equal(t, StateActive, caller.State())
}

func TestSessionStartRequiresConnecting(t *testing.T) {
	cfg := testSessionConfig()
	tr := transport.NewMemoryNetwork(1).Endpoint("a")
	kp, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	s, err := NewSession(testCallID(1), "b", RoleCaller, kp, SessionOptions{Config: cfg, Transport: tr, Media: receiveOnlyMedia(cfg)})
	require.NoError(t, err)

	err = s.Start(context.Background(), kp.Public[:])
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.Keyed())
}

func TestSessionStartFailureEnds(t *testing.T) {
	cfg := testSessionConfig()
	tr := transport.NewMemoryNetwork(1).Endpoint("a")

	t.Run("malformed peer key", func(t *testing.T) {
		kp, err := crypto.GenerateEphemeralKeyPair()
		require.NoError(t, err)
		s, err := NewSession(testCallID(1), "b", RoleCaller, kp, SessionOptions{Config: cfg, Transport: tr, Media: receiveOnlyMedia(cfg)})
		require.NoError(t, err)
		require.NoError(t, s.advance(StateConnecting))

		err = s.Start(context.Background(), []byte{1, 2, 3})
		assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)
		assert.Equal(t, StateEnded, s.State())
		assert.Contains(t, s.Reason(), ReasonSetupFailed)
		assert.True(t, s.KeysWiped())
	})

	t.Run("unknown peer", func(t *testing.T) {
		kp, err := crypto.GenerateEphemeralKeyPair()
		require.NoError(t, err)
		peer, err := crypto.GenerateEphemeralKeyPair()
		require.NoError(t, err)
		s, err := NewSession(testCallID(2), "nobody", RoleCaller, kp, SessionOptions{Config: cfg, Transport: tr, Media: receiveOnlyMedia(cfg)})
		require.NoError(t, err)
		require.NoError(t, s.advance(StateConnecting))

		err = s.Start(context.Background(), peer.Public[:])
		assert.ErrorIs(t, err, transport.ErrUnknownPeer)
		assert.Equal(t, StateEnded, s.State())
		assert.True(t, s.KeysWiped())
		select {
		case <-s.Done():
		default:
			t.Fatal("Done not closed")
		}
	})
}

func TestSessionInboundRoundTrip(t *testing.T) {
	caller, callee, net := newActivePair(t, testSessionConfig(), nil)
	inbound := net.Endpoint("b").Inbound()

	payload, err := frame.EncodeAudioPayload([]byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.NoError(t, caller.sendFrame(0, payload))
	pkt := recvPacket(t, inbound)

	require.NoError(t, callee.HandleInbound(pkt))
	assert.ErrorIs(t, callee.HandleInbound(pkt), ErrDuplicateFrame)

	health := callee.collector.Health()
	var received uint64
	for _, h := range health {
		received += h.Received
	}
	assert.Equal(t, uint64(1), received, "duplicates are not counted")
}

func TestSessionDropsForeignCallWithoutSideEffects(t *testing.T) {
	caller, callee, net := newActivePair(t, testSessionConfig(), nil)
	inbound := net.Endpoint("b").Inbound()

	payload, err := frame.EncodeAudioPayload([]byte{9, 9}, nil)
	require.NoError(t, err)
	require.NoError(t, caller.sendFrame(0, payload))
	pkt := recvPacket(t, inbound)

	f, err := frame.Decode(pkt.Data)
	require.NoError(t, err)
	f.CallID = testCallID(99)
	foreign, err := frame.Encode(f)
	require.NoError(t, err)

	before := callee.collector.Health()
	err = callee.HandleInbound(transport.Packet{Circuit: pkt.Circuit, Data: foreign, Received: time.Now()})
	assert.ErrorIs(t, err, ErrUnknownCall)
	assert.Equal(t, before, callee.collector.Health())
	assert.Equal(t, StateActive, callee.State())

	// The replay window was not advanced by the foreign frame.
	require.NoError(t, callee.HandleInbound(pkt))
}

func TestSessionRejectsTamperedFrames(t *testing.T) {
	caller, callee, net := newActivePair(t, testSessionConfig(), nil)
	inbound := net.Endpoint("b").Inbound()

	payload, err := frame.EncodeAudioPayload([]byte{5, 6, 7}, nil)
	require.NoError(t, err)
	require.NoError(t, caller.sendFrame(0, payload))
	pkt := recvPacket(t, inbound)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"ciphertext byte", func(b []byte) []byte { b[frame.HeaderSize] ^= 1; return b }, crypto.ErrAuthentication},
		{"sequence", func(b []byte) []byte { b[23] ^= 1; return b }, crypto.ErrAuthentication},
		{"reflected direction", func(b []byte) []byte { b[24] ^= 1; return b }, frame.ErrProtocol},
		{"circuit out of range", func(b []byte) []byte { b[25] = 200; return b }, frame.ErrProtocol},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }, frame.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), pkt.Data...))
			err := callee.HandleInbound(transport.Packet{Data: data, Received: time.Now()})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// None of the rejected copies consumed the sequence number.
	require.NoError(t, callee.HandleInbound(pkt))
}

func TestSessionIgnoresInboundWhenNotActive(t *testing.T) {
	caller, callee, net := newActivePair(t, testSessionConfig(), nil)
	inbound := net.Endpoint("b").Inbound()

	payload, err := frame.EncodeAudioPayload([]byte{1}, nil)
	require.NoError(t, err)
	require.NoError(t, caller.sendFrame(0, payload))
	pkt := recvPacket(t, inbound)

	callee.End("done")
	assert.ErrorIs(t, callee.HandleInbound(pkt), ErrNotActive)
}

func TestSessionControlFeedback(t *testing.T) {
	caller, callee, net := newActivePair(t, testSessionConfig(), nil)
	inbound := net.Endpoint("a").Inbound()
	for i := 0; i < 15; i++ {
		caller.sched.RecordSent(0)
	}

	// Callee reports most frames on circuit 1 arriving too late, and only
	// ten of the fifteen frames sent on circuit 0.
	report := telemetry.Report{Circuits: []telemetry.CircuitStats{
		{Index: 0, MissingPermille: telemetry.MissingUnknown, FramesReceived: 10, Extended: true},
		{Index: 1, LatePermille: 900, MissingPermille: telemetry.MissingUnknown, FramesReceived: 10, Extended: true},
		{Index: 2, MissingPermille: telemetry.MissingUnknown, FramesReceived: 10, Extended: true},
	}}
	raw, err := telemetry.EncodeReport(report)
	require.NoError(t, err)
	require.NoError(t, callee.sendFrame(frame.ControlSequence(0), raw))

	require.NoError(t, caller.HandleInbound(recvPacket(t, inbound)))

	states := caller.sched.Snapshot()
	assert.Greater(t, states[1].BadRate, states[0].BadRate)
	assert.Less(t, states[1].Weight, states[0].Weight)
	assert.Greater(t, caller.fec.Loss(), 0.0)

	health := caller.Stats().Health
	require.Len(t, health, 3)
	assert.Equal(t, uint64(5), health[0].Missing)
	assert.Zero(t, health[1].Missing)
}

// stuckTransport blocks rebuilds until released, ignoring cancellation, the
// way a wedged Tor client would.
type stuckTransport struct {
	*transport.MemoryTransport
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckTransport) RebuildCircuit(ctx context.Context, h transport.Handle, circuit int, epoch uint64) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return errors.New("released")
}

func TestSessionEndDuringRebuild(t *testing.T) {
	cfg := testSessionConfig()
	stuck := &stuckTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(stuck.release)

	caller, _, _ := newActivePair(t, cfg, func(m *transport.MemoryTransport) transport.CircuitTransport {
		stuck.MemoryTransport = m
		return stuck
	})

	var (
		req scheduler.RebuildRequest
		ok  bool
	)
	for i := 0; i < cfg.Scheduler.DownAfterFailures && !ok; i++ {
		req, ok = caller.sched.ReportSendFailure(0)
	}
	require.True(t, ok)
	caller.requestRebuild(req)

	select {
	case <-stuck.started:
	case <-time.After(2 * time.Second):
		t.Fatal("rebuild never started")
	}

	start := time.Now()
	caller.End(ReasonLocalHangup)
	elapsed := time.Since(start)

	assert.Equal(t, StateEnded, caller.State())
	assert.True(t, caller.KeysWiped())
	assert.Less(t, elapsed, cfg.TeardownTimeout+time.Second)
	assert.Equal(t, ReasonLocalHangup, caller.Reason())
}

func TestSessionEndIsIdempotent(t *testing.T) {
	caller, _, _ := newActivePair(t, testSessionConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caller.End(ReasonLocalHangup)
		}()
	}
	wg.Wait()

	<-caller.Done()
	assert.Equal(t, StateEnded, caller.State())
	assert.True(t, caller.KeysWiped())
}

func TestSessionConfigFrameSizeLimit(t *testing.T) {
	cfg := testSessionConfig()
	assert.LessOrEqual(t, MaxPCMPayload(cfg.Jitter.SamplesPerFrame), frame.MaxPayloadSize)
	require.NoError(t, cfg.Validate())

	cfg.Jitter.SamplesPerFrame = 1920
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "7700 byte payloads")
}

// oversizedEncoder emits payloads that can never fit a frame.
type oversizedEncoder struct{}

func (oversizedEncoder) Encode([]int16) ([]byte, error) {
	return make([]byte, frame.MaxPayloadSize), nil
}

func TestSessionEndsWhenFramesCannotBeEncoded(t *testing.T) {
	cfg := testSessionConfig()
	media := receiveOnlyMedia(cfg)
	media.Source = audio.NewToneSource(440, 0.3)
	media.Encoder = oversizedEncoder{}
	caller, _, _ := newActivePairWithMedia(t, cfg, nil, media)

	select {
	case <-caller.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("call kept running with unsendable audio")
	}
	assert.Contains(t, caller.Reason(), ReasonMediaFailure)
	assert.Contains(t, caller.Reason(), "failed to encode frame")
}
