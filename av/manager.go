package av

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/torvoice/av/frame"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/sirupsen/logrus"
)

// ManagerOptions carries the optional collaborators of a Manager.
type ManagerOptions struct {
	// Registry holds the sessions. A fresh one is created when nil.
	Registry *Registry
	// Media creates the audio endpoints of each call. Defaults to PCMMedia.
	Media   MediaFactory
	Metrics *telemetry.Metrics
	Clock   TimeProvider
}

// Manager establishes calls over the signaling channel and routes inbound
// circuit traffic to the session it belongs to. It holds at most one live
// call at a time.
type Manager struct {
	cfg       ManagerConfig
	transport transport.CircuitTransport
	signaler  Signaler
	registry  *Registry
	media     MediaFactory
	metrics   *telemetry.Metrics
	clock     TimeProvider
	events    *eventBus

	mu     sync.Mutex
	timers map[crypto.CallID]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a call manager over a circuit transport and a
// signaling channel.
func NewManager(cfg ManagerConfig, tr transport.CircuitTransport, sig Signaler, opts ManagerOptions) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidConfig)
	}
	if sig == nil {
		return nil, ErrNoSignaler
	}
	if opts.Clock == nil {
		opts.Clock = DefaultTimeProvider{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(cfg.AnsweredCacheTTL, opts.Clock)
	}
	if opts.Media == nil {
		opts.Media = PCMMedia(cfg.Session.Jitter.SamplesPerFrame)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewManager",
		"circuits":      cfg.Session.Circuits,
		"offer_timeout": cfg.OfferTimeout.String(),
	}).Debug("Call manager created")

	return &Manager{
		cfg:       cfg,
		transport: tr,
		signaler:  sig,
		registry:  opts.Registry,
		media:     opts.Media,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		events:    newEventBus(cfg.EventBuffer),
		timers:    make(map[crypto.CallID]*time.Timer),
	}, nil
}

// Events returns the channel on which call events are published. Events are
// dropped when the channel is full.
func (m *Manager) Events() <-chan Event {
	return m.events.ch
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Session returns the session for id.
func (m *Manager) Session(id crypto.CallID) (*Session, bool) {
	return m.registry.Get(id)
}

// newSession creates and registers a session and arranges for it to be
// unregistered once it ends.
func (m *Manager) newSession(id crypto.CallID, peer string, role Role) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: manager closed", ErrSessionEnded)
	}

	kp, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	media, err := m.media(id)
	if err != nil {
		kp.Wipe()
		return nil, fmt.Errorf("failed to create media: %w", err)
	}
	s, err := NewSession(id, peer, role, kp, SessionOptions{
		Config:    m.cfg.Session,
		Transport: m.transport,
		Media:     media,
		Metrics:   m.metrics,
		Clock:     m.clock,
		events:    m.events,
	})
	if err != nil {
		kp.Wipe()
		return nil, err
	}
	if err := m.registry.Add(s); err != nil {
		kp.Wipe()
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-s.Done()
		m.settleOffer(id)
		m.registry.Remove(id)
	}()
	return s, nil
}

// PlaceCall offers a call to peer. The returned session is CONNECTING; it
// becomes ACTIVE when the ANSWER arrives, or ends with ReasonNoAnswer after
// OfferTimeout. Until then the OFFER is resent every OfferRetransmit.
func (m *Manager) PlaceCall(ctx context.Context, peer string) (*Session, error) {
	if m.registry.Busy() {
		return nil, ErrBusy
	}
	id, err := crypto.NewCallID()
	if err != nil {
		return nil, err
	}
	s, err := m.newSession(id, peer, RoleCaller)
	if err != nil {
		return nil, err
	}
	if err := s.advance(StateConnecting); err != nil {
		s.End(ReasonSetupFailed)
		return nil, err
	}

	offer := newSignal(SignalOffer, id, m.clock.Now())
	pub := s.LocalPublicKey()
	offer.EphemeralPublicKey = pub[:]
	raw, err := EncodeSignal(offer)
	if err != nil {
		s.End(ReasonSignalingError)
		return nil, err
	}

	// Armed before the offer leaves, so an early answer finds the timer.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.End(ReasonShutdown)
		return nil, fmt.Errorf("%w: manager closed", ErrSessionEnded)
	}
	m.timers[id] = time.AfterFunc(m.cfg.OfferTimeout, func() { m.offerExpired(id) })
	m.wg.Add(1)
	m.mu.Unlock()
	go m.retransmitOffer(s, raw)

	if err := m.signaler.SendSignal(ctx, peer, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.PlaceCall",
			"call_id":  id.Short(),
			"peer":     peer,
			"error":    err.Error(),
		}).Warn("Failed to send offer")
		m.settleOffer(id)
		s.End(ReasonSignalingError)
		return nil, fmt.Errorf("failed to send %s: %w", SignalOffer, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.PlaceCall",
		"call_id":  id.Short(),
		"peer":     peer,
	}).Info("Call offered")
	return s, nil
}

// retransmitOffer resends an unanswered offer until the call is keyed or
// ends. A callee that already answered replies with its cached ANSWER.
func (m *Manager) retransmitOffer(s *Session, raw []byte) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OfferRetransmit)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
		}
		if s.Keyed() || s.State() != StateConnecting {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OfferRetransmit)
		err := m.signaler.SendSignal(ctx, s.Peer(), raw)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.retransmitOffer",
				"call_id":  s.ID().Short(),
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Failed to resend offer")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Manager.retransmitOffer",
			"call_id":  s.ID().Short(),
			"attempt":  attempt,
		}).Debug("Offer resent")
	}
}

// offerExpired ends a call whose offer went unanswered. It only acts if it
// settles the offer before an ANSWER does.
func (m *Manager) offerExpired(id crypto.CallID) {
	if !m.settleOffer(id) {
		return
	}
	s, ok := m.registry.Get(id)
	if !ok || s.Keyed() || s.State() != StateConnecting {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.offerExpired",
		"call_id":  id.Short(),
		"timeout":  m.cfg.OfferTimeout.String(),
	}).Info("Call not answered")

	m.events.publish(Event{Type: EventNoAnswer, CallID: id, Peer: s.Peer(), Time: m.clock.Now(), Reason: ReasonNoAnswer})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Session.TeardownTimeout)
	defer cancel()
	_ = m.send(ctx, s.Peer(), withReason(newSignal(SignalEnd, id, m.clock.Now()), ReasonNoAnswer))
	s.End(ReasonNoAnswer)
}

// settleOffer stops the offer timer of id. Only the first caller gets true;
// the ANSWER and the timeout race for it.
func (m *Manager) settleOffer(id crypto.CallID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.timers, id)
	return true
}

// HandleSignal processes one signaling message from peer. Duplicates and
// messages for unknown or foreign calls never create state; they return an
// error wrapping ErrState or nil.
func (m *Manager) HandleSignal(ctx context.Context, peer string, raw []byte) error {
	msg, err := DecodeSignal(raw)
	if err != nil {
		return err
	}
	id, err := msg.ID()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.HandleSignal",
		"type":     string(msg.Type),
		"call_id":  id.Short(),
		"peer":     peer,
	}).Debug("Signal received")

	if msg.Type == SignalOffer {
		return m.handleOffer(ctx, peer, id, msg)
	}

	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrUnknownCall, msg.Type, id.Short())
	}
	if s.Peer() != peer {
		return fmt.Errorf("%w: %s for %s", ErrForeignPeer, msg.Type, id.Short())
	}

	switch msg.Type {
	case SignalAnswer:
		return m.handleAnswer(ctx, s, msg)
	case SignalReject:
		m.events.publish(Event{Type: EventCallRejected, CallID: id, Peer: peer, Time: m.clock.Now(), Reason: msg.Reason})
		s.End(joinReason(ReasonRejected, msg.Reason))
	case SignalBusy:
		m.events.publish(Event{Type: EventCallBusy, CallID: id, Peer: peer, Time: m.clock.Now()})
		s.End(ReasonBusy)
	case SignalEnd:
		s.End(joinReason(ReasonRemoteHangup, msg.Reason))
	}
	return nil
}

func (m *Manager) handleOffer(ctx context.Context, peer string, id crypto.CallID, msg SignalMessage) error {
	// Retransmitted offer for a call we already answered.
	if answeredPeer, raw, ok := m.registry.Answered(id); ok {
		if answeredPeer != peer {
			return fmt.Errorf("%w: offer for %s", ErrForeignPeer, id.Short())
		}
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleOffer",
			"call_id":  id.Short(),
		}).Info("Duplicate offer, resending answer")
		return m.signaler.SendSignal(ctx, peer, raw)
	}

	// Retransmitted offer for a call that is still ringing.
	if s, ok := m.registry.Get(id); ok {
		if s.Peer() != peer {
			return fmt.Errorf("%w: offer for %s", ErrForeignPeer, id.Short())
		}
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleOffer",
			"call_id":  id.Short(),
			"state":    s.State().String(),
		}).Debug("Duplicate offer ignored")
		return nil
	}

	if m.registry.Busy() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleOffer",
			"call_id":  id.Short(),
			"peer":     peer,
		}).Info("Rejecting offer, another call is in progress")
		return m.send(ctx, peer, newSignal(SignalBusy, id, m.clock.Now()))
	}

	s, err := m.newSession(id, peer, RoleCallee)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return m.send(ctx, peer, newSignal(SignalBusy, id, m.clock.Now()))
		}
		return err
	}
	s.mu.Lock()
	s.remoteKey = append([]byte(nil), msg.EphemeralPublicKey...)
	s.mu.Unlock()

	if err := s.advance(StateConnecting); err != nil {
		s.End(ReasonSetupFailed)
		return err
	}
	if err := s.advance(StateRinging); err != nil {
		s.End(ReasonSetupFailed)
		return err
	}

	m.events.publish(Event{Type: EventIncomingCall, CallID: id, Peer: peer, Time: m.clock.Now(), State: StateRinging})
	return nil
}

func (m *Manager) handleAnswer(ctx context.Context, s *Session, msg SignalMessage) error {
	if s.Role() != RoleCaller {
		return fmt.Errorf("%w: answer for incoming call %s", ErrInvalidTransition, s.ID().Short())
	}
	if s.Keyed() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleAnswer",
			"call_id":  s.ID().Short(),
		}).Debug("Duplicate answer ignored")
		return nil
	}

	if !m.settleOffer(s.ID()) {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleAnswer",
			"call_id":  s.ID().Short(),
		}).Debug("Answer for a settled offer ignored")
		return nil
	}
	err := s.Start(ctx, msg.EphemeralPublicKey)
	if errors.Is(err, ErrAlreadyKeyed) {
		return nil
	}
	return err
}

// Accept answers a ringing call: keys are derived, circuits opened and the
// ANSWER sent. The ANSWER is cached so a retransmitted OFFER gets it again.
func (m *Manager) Accept(ctx context.Context, id crypto.CallID) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: accept %s", ErrUnknownCall, id.Short())
	}
	if s.Role() != RoleCallee {
		return fmt.Errorf("%w: accept outgoing call %s", ErrInvalidTransition, id.Short())
	}

	s.mu.Lock()
	remote := append([]byte(nil), s.remoteKey...)
	s.mu.Unlock()
	pub := s.LocalPublicKey()

	if err := s.Start(ctx, remote); err != nil {
		return err
	}

	answer := newSignal(SignalAnswer, id, m.clock.Now())
	answer.EphemeralPublicKey = pub[:]
	raw, err := EncodeSignal(answer)
	if err != nil {
		s.End(ReasonSignalingError)
		return err
	}
	m.registry.RememberAnswer(id, s.Peer(), raw)

	// The caller retransmits its offer until an answer arrives, so a lost
	// answer is recovered through the cache.
	if err := m.signaler.SendSignal(ctx, s.Peer(), raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Accept",
			"call_id":  id.Short(),
			"error":    err.Error(),
		}).Warn("Failed to send answer")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Accept",
		"call_id":  id.Short(),
		"peer":     s.Peer(),
	}).Info("Call accepted")
	return nil
}

// Reject declines a ringing call. The REJECT is cached like an ANSWER.
func (m *Manager) Reject(ctx context.Context, id crypto.CallID, reason string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: reject %s", ErrUnknownCall, id.Short())
	}
	if s.State() != StateRinging {
		return fmt.Errorf("%w: reject in %s", ErrInvalidTransition, s.State())
	}
	raw, err := EncodeSignal(withReason(newSignal(SignalReject, id, m.clock.Now()), reason))
	if err != nil {
		return err
	}
	// A retransmitted offer gets the same rejection instead of ringing again.
	m.registry.RememberAnswer(id, s.Peer(), raw)
	s.End(joinReason(ReasonRejected, reason))

	if err := m.signaler.SendSignal(ctx, s.Peer(), raw); err != nil {
		return fmt.Errorf("failed to send %s: %w", SignalReject, err)
	}
	return nil
}

// Hangup ends a call and tells the peer.
func (m *Manager) Hangup(ctx context.Context, id crypto.CallID) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: hangup %s", ErrUnknownCall, id.Short())
	}
	err := m.send(ctx, s.Peer(), newSignal(SignalEnd, id, m.clock.Now()))
	s.End(ReasonLocalHangup)
	return err
}

// DispatchPacket routes one inbound transport packet to its session.
// Packets for unknown calls are dropped.
func (m *Manager) DispatchPacket(pkt transport.Packet) {
	id, err := frame.PeekCallID(pkt.Data)
	if err != nil {
		m.metrics.ProtocolDrop()
		return
	}
	s, ok := m.registry.Get(id)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.DispatchPacket",
			"call_id":  id.Short(),
			"circuit":  pkt.Circuit,
		}).Debug("Dropping frame for unknown call")
		return
	}
	if err := s.HandleInbound(pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.DispatchPacket",
			"call_id":  id.Short(),
			"circuit":  pkt.Circuit,
			"error":    err.Error(),
		}).Debug("Inbound frame dropped")
	}
}

// Run dispatches inbound transport packets until ctx is cancelled or the
// transport closes its inbound channel.
func (m *Manager) Run(ctx context.Context) error {
	inbound := m.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-inbound:
			if !ok {
				return nil
			}
			m.DispatchPacket(pkt)
		}
	}
}

// Close ends every call and waits for them to reach ENDED.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range m.registry.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End(ReasonShutdown)
		}(s)
	}
	wg.Wait()
	m.wg.Wait()
}

func (m *Manager) send(ctx context.Context, peer string, msg SignalMessage) error {
	raw, err := EncodeSignal(msg)
	if err != nil {
		return err
	}
	if err := m.signaler.SendSignal(ctx, peer, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.send",
			"type":     string(msg.Type),
			"peer":     peer,
			"error":    err.Error(),
		}).Warn("Failed to send signal")
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func withReason(m SignalMessage, reason string) SignalMessage {
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	m.Reason = reason
	return m
}

func joinReason(base, detail string) string {
	if detail == "" {
		return base
	}
	return base + ": " + detail
}
