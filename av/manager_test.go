package av

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Session = testSessionConfig()
	cfg.OfferTimeout = time.Minute
	cfg.OfferRetransmit = time.Minute
	cfg.AnsweredCacheTTL = time.Minute
	return cfg
}

func newTestManager(t *testing.T, cfg ManagerConfig, tr transport.CircuitTransport, sig Signaler, opts ManagerOptions) *Manager {
	t.Helper()
	m, err := NewManager(cfg, tr, sig, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// offerFrom builds a raw OFFER as a remote caller would send it.
func offerFrom(t *testing.T, id crypto.CallID) []byte {
	t.Helper()
	kp, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	msg := newSignal(SignalOffer, id, time.Now())
	msg.EphemeralPublicKey = kp.Public[:]
	raw, err := EncodeSignal(msg)
	require.NoError(t, err)
	return raw
}

// answerFrom builds a raw ANSWER as a remote callee would send it.
func answerFrom(t *testing.T, id crypto.CallID) []byte {
	t.Helper()
	kp, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	msg := newSignal(SignalAnswer, id, time.Now())
	msg.EphemeralPublicKey = kp.Public[:]
	raw, err := EncodeSignal(msg)
	require.NoError(t, err)
	return raw
}

func countEvents(ch <-chan Event, want EventType) int {
	n := 0
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				n++
			}
		default:
			return n
		}
	}
}

func TestNewManagerValidation(t *testing.T) {
	tr := transport.NewMemoryNetwork(1).Endpoint("a")
	sig := &recordingSignaler{}

	bad := testManagerConfig()
	bad.OfferTimeout = 0

	_, err := NewManager(bad, tr, sig, ManagerOptions{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewManager(testManagerConfig(), nil, sig, ManagerOptions{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewManager(testManagerConfig(), tr, nil, ManagerOptions{})
	assert.ErrorIs(t, err, ErrNoSignaler)
}

func TestManagerDuplicateOfferBeforeAnswer(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	net.Endpoint("alice")
	sig := &recordingSignaler{}
	bob := newTestManager(t, testManagerConfig(), net.Endpoint("bob"), sig, ManagerOptions{})

	id := testCallID(7)
	raw := offerFrom(t, id)
	require.NoError(t, bob.HandleSignal(context.Background(), "alice", raw))
	require.NoError(t, bob.HandleSignal(context.Background(), "alice", raw))

	assert.Equal(t, 1, bob.Registry().Len())
	assert.Equal(t, 1, countEvents(bob.Events(), EventIncomingCall))
	s, ok := bob.Session(id)
	require.True(t, ok)
	assert.Equal(t, StateRinging, s.State())
	assert.Empty(t, sig.messages)
}

func TestManagerDuplicateOfferAfterAnswer(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	net.Endpoint("alice")
	sig := &recordingSignaler{}
	bob := newTestManager(t, testManagerConfig(), net.Endpoint("bob"), sig, ManagerOptions{})

	id := testCallID(7)
	raw := offerFrom(t, id)
	ctx := context.Background()
	require.NoError(t, bob.HandleSignal(ctx, "alice", raw))
	require.NoError(t, bob.Accept(ctx, id))

	s, ok := bob.Session(id)
	require.True(t, ok)
	require.Equal(t, StateActive, s.State())
	keys := s.keys

	answers := sig.sent(SignalAnswer)
	require.Len(t, answers, 1)
	pub := s.LocalPublicKey()
	assert.Equal(t, pub[:], answers[0].msg.EphemeralPublicKey)

	require.NoError(t, bob.HandleSignal(ctx, "alice", raw))

	answers = sig.sent(SignalAnswer)
	require.Len(t, answers, 2, "exactly one resend")
	assert.Equal(t, answers[0].raw, answers[1].raw)
	assert.Equal(t, 1, bob.Registry().Len())
	assert.Same(t, keys, s.keys)

	// A second accept must not mint another key set either.
	assert.ErrorIs(t, bob.Accept(ctx, id), ErrAlreadyKeyed)
}

func TestManagerBusy(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	sig := &recordingSignaler{}
	bob := newTestManager(t, testManagerConfig(), net.Endpoint("bob"), sig, ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, bob.HandleSignal(ctx, "alice", offerFrom(t, testCallID(1))))
	require.NoError(t, bob.HandleSignal(ctx, "carol", offerFrom(t, testCallID(2))))

	busy := sig.sent(SignalBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, "carol", busy[0].peer)
	assert.Equal(t, 1, bob.Registry().Len())

	_, err := bob.PlaceCall(ctx, "dave")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestManagerIgnoresForeignSignals(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	sig := &recordingSignaler{}
	bob := newTestManager(t, testManagerConfig(), net.Endpoint("bob"), sig, ManagerOptions{})
	ctx := context.Background()

	id := testCallID(3)
	require.NoError(t, bob.HandleSignal(ctx, "alice", offerFrom(t, id)))

	end, err := EncodeSignal(newSignal(SignalEnd, id, time.Now()))
	require.NoError(t, err)
	assert.ErrorIs(t, bob.HandleSignal(ctx, "mallory", end), ErrForeignPeer)
	assert.ErrorIs(t, bob.HandleSignal(ctx, "mallory", offerFrom(t, id)), ErrForeignPeer)

	unknown, err := EncodeSignal(newSignal(SignalEnd, testCallID(4), time.Now()))
	require.NoError(t, err)
	assert.ErrorIs(t, bob.HandleSignal(ctx, "alice", unknown), ErrUnknownCall)

	assert.ErrorIs(t, bob.HandleSignal(ctx, "alice", []byte{0xff}), ErrInvalidSignal)

	s, ok := bob.Session(id)
	require.True(t, ok)
	assert.Equal(t, StateRinging, s.State())
}

func TestManagerNoAnswer(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	net.Endpoint("bob")
	sig := &recordingSignaler{}
	cfg := testManagerConfig()
	cfg.OfferTimeout = 50 * time.Millisecond
	alice := newTestManager(t, cfg, net.Endpoint("alice"), sig, ManagerOptions{})

	s, err := alice.PlaceCall(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())
	require.Len(t, sig.sent(SignalOffer), 1)

	e := waitEvent(t, alice.Events(), EventNoAnswer)
	assert.Equal(t, s.ID(), e.CallID)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, ReasonNoAnswer, s.Reason())
	assert.True(t, s.KeysWiped())
	require.Len(t, sig.sent(SignalEnd), 1)
	require.Eventually(t, func() bool { return alice.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManagerRejectIsCached(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	sig := &recordingSignaler{}
	bob := newTestManager(t, testManagerConfig(), net.Endpoint("bob"), sig, ManagerOptions{})
	ctx := context.Background()

	id := testCallID(5)
	raw := offerFrom(t, id)
	require.NoError(t, bob.HandleSignal(ctx, "alice", raw))
	require.NoError(t, bob.Reject(ctx, id, "declined"))
	require.Eventually(t, func() bool { return bob.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bob.HandleSignal(ctx, "alice", raw))
	rejects := sig.sent(SignalReject)
	require.Len(t, rejects, 2)
	assert.Equal(t, "declined", rejects[1].msg.Reason)
	assert.Equal(t, 0, bob.Registry().Len(), "no second ring")
	assert.Equal(t, 1, countEvents(bob.Events(), EventIncomingCall))
}

// signalBus connects managers by name, delivering synchronously.
type signalBus struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func (b *signalBus) signalerFor(from string) Signaler {
	return SignalerFunc(func(ctx context.Context, peer string, raw []byte) error {
		b.mu.Lock()
		m := b.managers[peer]
		b.mu.Unlock()
		if m == nil {
			return transport.ErrUnknownPeer
		}
		err := m.HandleSignal(ctx, from, raw)
		if err != nil && !errors.Is(err, ErrState) {
			return err
		}
		return nil
	})
}

func TestManagerEndToEndCall(t *testing.T) {
	net := transport.NewMemoryNetwork(3)
	net.SetProfile(1, transport.LinkProfile{Delay: 40 * time.Millisecond, Jitter: 20 * time.Millisecond})
	net.SetProfile(2, transport.LinkProfile{Loss: 0.1, Delay: 10 * time.Millisecond})

	cfg := testManagerConfig()
	cfg.Session.TelemetryInterval = 100 * time.Millisecond

	bus := &signalBus{managers: make(map[string]*Manager)}
	alice := newTestManager(t, cfg, net.Endpoint("alice"), bus.signalerFor("alice"), ManagerOptions{})

	sink := &audio.RecordingSink{}
	samples := cfg.Session.Jitter.SamplesPerFrame
	bob := newTestManager(t, cfg, net.Endpoint("bob"), bus.signalerFor("bob"), ManagerOptions{
		Media: func(crypto.CallID) (Media, error) {
			return Media{
				Source:  audio.NewToneSource(220, 0.2),
				Sink:    sink,
				Encoder: audio.NewPCMEncoder(samples),
				Decoder: audio.NewPCMDecoder(samples),
			}, nil
		},
	})
	bus.managers["alice"] = alice
	bus.managers["bob"] = bob

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = alice.Run(ctx) }()
	go func() { _ = bob.Run(ctx) }()

	outgoing, err := alice.PlaceCall(ctx, "bob")
	require.NoError(t, err)

	incoming := waitEvent(t, bob.Events(), EventIncomingCall)
	assert.Equal(t, outgoing.ID(), incoming.CallID)
	assert.Equal(t, "alice", incoming.Peer)
	require.NoError(t, bob.Accept(ctx, incoming.CallID))

	require.Eventually(t, func() bool { return outgoing.State() == StateActive }, 2*time.Second, 10*time.Millisecond)
	answered, ok := bob.Session(incoming.CallID)
	require.True(t, ok)

	// Audio flows both ways and is played out.
	require.Eventually(t, func() bool {
		return answered.Stats().Playout.Played > 10 && outgoing.Stats().Playout.Played > 10
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, sink.Frames())

	// Both sides exchange quality reports.
	e := waitEvent(t, alice.Events(), EventTelemetryUpdated)
	require.NotNil(t, e.Report)
	require.NotNil(t, e.Assessment)
	assert.Len(t, e.Report.Circuits, cfg.Session.Circuits)

	require.NoError(t, alice.Hangup(ctx, outgoing.ID()))
	<-outgoing.Done()
	select {
	case <-answered.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote side did not end")
	}
	assert.Equal(t, ReasonLocalHangup, outgoing.Reason())
	assert.Equal(t, ReasonRemoteHangup, answered.Reason())
	assert.True(t, outgoing.KeysWiped())
	assert.True(t, answered.KeysWiped())
}

func TestManagerRetransmitsOfferWhenAnswerLost(t *testing.T) {
	net := transport.NewMemoryNetwork(5)
	cfg := testManagerConfig()
	cfg.OfferRetransmit = 100 * time.Millisecond

	bus := &signalBus{managers: make(map[string]*Manager)}
	aliceSig := &recordingSignaler{forward: bus.signalerFor("alice").SendSignal}
	alice := newTestManager(t, cfg, net.Endpoint("alice"), aliceSig, ManagerOptions{})

	var dropped atomic.Bool
	toAlice := bus.signalerFor("bob")
	bobSig := &recordingSignaler{forward: func(ctx context.Context, peer string, raw []byte) error {
		msg, err := DecodeSignal(raw)
		if err == nil && msg.Type == SignalAnswer && dropped.CompareAndSwap(false, true) {
			return nil
		}
		return toAlice.SendSignal(ctx, peer, raw)
	}}
	bob := newTestManager(t, cfg, net.Endpoint("bob"), bobSig, ManagerOptions{})

	bus.mu.Lock()
	bus.managers["alice"] = alice
	bus.managers["bob"] = bob
	bus.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = alice.Run(ctx) }()
	go func() { _ = bob.Run(ctx) }()

	outgoing, err := alice.PlaceCall(ctx, "bob")
	require.NoError(t, err)
	incoming := waitEvent(t, bob.Events(), EventIncomingCall)
	require.NoError(t, bob.Accept(ctx, incoming.CallID))
	require.True(t, dropped.Load(), "first answer was lost")

	require.Eventually(t, func() bool { return outgoing.State() == StateActive }, 3*time.Second, 10*time.Millisecond)

	answers := bobSig.sent(SignalAnswer)
	require.GreaterOrEqual(t, len(answers), 2)
	assert.Equal(t, answers[0].raw, answers[1].raw, "the cached answer is resent")
	assert.Zero(t, countEvents(bob.Events(), EventIncomingCall), "the retransmitted offer does not ring again")

	// Retransmission stops once the call is keyed.
	offers := len(aliceSig.sent(SignalOffer))
	assert.GreaterOrEqual(t, offers, 2)
	time.Sleep(4 * cfg.OfferRetransmit)
	assert.Len(t, aliceSig.sent(SignalOffer), offers)
	assert.Equal(t, StateActive, outgoing.State())
	assert.Empty(t, aliceSig.sent(SignalEnd))
}

func TestManagerAnswerAndTimeoutSettleOnce(t *testing.T) {
	t.Run("answer first", func(t *testing.T) {
		net := transport.NewMemoryNetwork(1)
		net.Endpoint("bob")
		sig := &recordingSignaler{}
		alice := newTestManager(t, testManagerConfig(), net.Endpoint("alice"), sig, ManagerOptions{})

		s, err := alice.PlaceCall(context.Background(), "bob")
		require.NoError(t, err)

		// The answer has claimed the offer but not keyed the session yet
		// when the timer callback runs.
		require.True(t, alice.settleOffer(s.ID()))
		alice.offerExpired(s.ID())

		assert.Equal(t, StateConnecting, s.State())
		assert.Empty(t, sig.sent(SignalEnd))
		assert.Zero(t, countEvents(alice.Events(), EventNoAnswer))
	})

	t.Run("timeout first", func(t *testing.T) {
		net := transport.NewMemoryNetwork(1)
		net.Endpoint("bob")
		sig := &recordingSignaler{}
		alice := newTestManager(t, testManagerConfig(), net.Endpoint("alice"), sig, ManagerOptions{})

		s, err := alice.PlaceCall(context.Background(), "bob")
		require.NoError(t, err)
		id := s.ID()

		alice.offerExpired(id)
		<-s.Done()
		assert.Equal(t, ReasonNoAnswer, s.Reason())

		// A late answer neither keys nor revives the call.
		_ = alice.HandleSignal(context.Background(), "bob", answerFrom(t, id))
		assert.False(t, s.Keyed())
		assert.Equal(t, StateEnded, s.State())
		require.Len(t, sig.sent(SignalEnd), 1)
	})
}
