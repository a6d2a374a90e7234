package av

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/av/frame"
	"github.com/opd-ai/torvoice/av/jitter"
	"github.com/opd-ai/torvoice/av/scheduler"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/replay"
)

// Media bundles the audio endpoints of one call. A nil Source or Encoder
// makes the call receive-only; a nil Sink discards playout.
type Media struct {
	Source  audio.Source
	Sink    audio.Sink
	Encoder audio.Encoder
	Decoder audio.Decoder
}

// MediaFactory creates the audio endpoints for a new call.
type MediaFactory func(id crypto.CallID) (Media, error)

// PCMMedia returns a factory producing a tone source, a discarding sink and
// the uncompressed codec.
func PCMMedia(samplesPerFrame int) MediaFactory {
	return func(crypto.CallID) (Media, error) {
		return Media{
			Source:  audio.NewToneSource(440, 0.3),
			Sink:    &audio.DiscardSink{},
			Encoder: audio.NewPCMEncoder(samplesPerFrame),
			Decoder: audio.NewPCMDecoder(samplesPerFrame),
		}, nil
	}
}

// CodecMedia is PCMMedia with inbound audio decoded by the named codec.
func CodecMedia(codec string, samplesPerFrame int) (MediaFactory, error) {
	codec, err := audio.ParseCodec(codec)
	if err != nil {
		return nil, err
	}
	return func(crypto.CallID) (Media, error) {
		dec, err := audio.NewDecoder(codec, samplesPerFrame)
		if err != nil {
			return Media{}, err
		}
		return Media{
			Source:  audio.NewToneSource(440, 0.3),
			Sink:    &audio.DiscardSink{},
			Encoder: audio.NewPCMEncoder(samplesPerFrame),
			Decoder: dec,
		}, nil
	}, nil
}

// SessionOptions carries the collaborators of a session.
type SessionOptions struct {
	Config    SessionConfig
	Transport transport.CircuitTransport
	Media     Media
	Metrics   *telemetry.Metrics
	Clock     TimeProvider

	events *eventBus
}

// SessionStats is a point-in-time view of a call.
type SessionStats struct {
	State       State
	AudioSent   uint64
	ControlSent uint64
	Duration    time.Duration
	Playout     jitter.Stats
	Circuits    []scheduler.CircuitState
	Health      []telemetry.CircuitHealth
	FECTarget   int
}

// Session is one call: the key set, the circuits and the media pipeline
// between them. All methods are safe for concurrent use.
type Session struct {
	id    crypto.CallID
	peer  string
	role  Role
	cfg   SessionConfig
	clock TimeProvider

	transport transport.CircuitTransport
	media     Media
	metrics   *telemetry.Metrics
	events    *eventBus

	mu        sync.Mutex
	state     State
	reason    string
	keyPair   *crypto.EphemeralKeyPair
	remoteKey []byte
	keys      *crypto.KeySet
	handle    transport.Handle
	opened    bool
	cancel    context.CancelFunc
	tasksDone chan struct{}
	started   time.Time

	sched     *scheduler.Scheduler
	collector *telemetry.Collector
	player    *jitter.Player
	fec       *audio.FECController
	rebuilds  chan scheduler.RebuildRequest

	audioSeq   atomic.Uint64
	controlSeq atomic.Uint64
	retune     atomic.Bool

	replayMu      sync.Mutex
	audioReplay   replay.Filter
	controlReplay replay.Filter

	ended chan struct{}
}

// NewSession creates an IDLE session. kp is the local ephemeral key pair for
// this call attempt; the session owns it and wipes it.
func NewSession(id crypto.CallID, peer string, role Role, kp *crypto.EphemeralKeyPair, opts SessionOptions) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidConfig)
	}
	if kp == nil {
		return nil, fmt.Errorf("%w: no key pair", ErrInvalidConfig)
	}
	if opts.Media.Decoder == nil {
		return nil, fmt.Errorf("%w: no decoder", ErrInvalidConfig)
	}
	if opts.Clock == nil {
		opts.Clock = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"call_id":  id.Short(),
		"peer":     peer,
		"role":     role.String(),
		"circuits": opts.Config.Circuits,
	}).Debug("Session created")

	return &Session{
		id:        id,
		peer:      peer,
		role:      role,
		cfg:       opts.Config,
		clock:     opts.Clock,
		transport: opts.Transport,
		media:     opts.Media,
		metrics:   opts.Metrics,
		events:    opts.events,
		state:     StateIdle,
		keyPair:   kp,
		ended:     make(chan struct{}),
	}, nil
}

// ID returns the call id.
func (s *Session) ID() crypto.CallID { return s.id }

// Peer returns the remote party.
func (s *Session) Peer() string { return s.peer }

// Role returns the local side of the call.
func (s *Session) Role() Role { return s.role }

// LocalPublicKey returns the ephemeral public key sent in OFFER or ANSWER.
func (s *Session) LocalPublicKey() [crypto.KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyPair.Public
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session ended, or "" while it is live.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Keyed reports whether a key set has been derived.
func (s *Session) Keyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys != nil
}

// KeysWiped reports whether every key held by the session has been erased.
func (s *Session) KeysWiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyPair.Wiped() && (s.keys == nil || s.keys.Wiped())
}

// Done is closed when the session reaches ENDED.
func (s *Session) Done() <-chan struct{} { return s.ended }

// advance moves the session to a new state.
func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.metrics.StateChanged(to.String())

	logrus.WithFields(logrus.Fields{
		"function": "Session.setState",
		"call_id":  s.id.Short(),
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Call state changed")

	s.events.publish(Event{
		Type:     EventStateChanged,
		CallID:   s.id,
		Peer:     s.peer,
		Time:     s.clock.Now(),
		State:    to,
		Previous: from,
		Reason:   s.reason,
	})
	return nil
}

// Start derives the call keys from the peer's ephemeral public key, opens
// the circuits and starts the media pipeline. The session must be
// CONNECTING or RINGING. A session is keyed at most once; later calls
// return ErrAlreadyKeyed without touching the existing keys. Any failure
// ends the session.
func (s *Session) Start(ctx context.Context, theirPublic []byte) error {
	s.mu.Lock()
	if s.keys != nil {
		s.mu.Unlock()
		return ErrAlreadyKeyed
	}
	if s.state != StateConnecting && s.state != StateRinging {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start in %s", ErrInvalidTransition, state)
	}
	if err := s.deriveKeysLocked(theirPublic); err != nil {
		s.mu.Unlock()
		s.End(fmt.Sprintf("%s: key exchange failed", ReasonSetupFailed))
		return err
	}
	if err := s.buildPipelineLocked(); err != nil {
		s.mu.Unlock()
		s.End(fmt.Sprintf("%s: %v", ReasonSetupFailed, err))
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	// End cancels runCtx, which must also abort a slow circuit setup.
	openCtx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(runCtx, stop)
	defer release()

	handle, err := s.transport.OpenCircuits(openCtx, s.peer, s.id, s.cfg.Circuits)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.Start",
			"call_id":  s.id.Short(),
			"error":    err.Error(),
		}).Error("Failed to open circuits")
		s.End(fmt.Sprintf("%s: %v", ReasonSetupFailed, err))
		return fmt.Errorf("failed to open circuits: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateRinging {
		s.mu.Unlock()
		_ = s.transport.CloseCircuits(handle)
		return ErrSessionEnded
	}
	s.handle, s.opened = handle, true
	s.started = s.clock.Now()
	s.startTasksLocked(runCtx)
	err = s.setStateLocked(StateActive)
	s.mu.Unlock()
	return err
}

func (s *Session) deriveKeysLocked(theirPublic []byte) error {
	shared, err := crypto.DeriveSharedSecret(s.keyPair.Private[:], theirPublic)
	if err != nil {
		return fmt.Errorf("key exchange failed: %w", err)
	}
	defer crypto.WipeKey(shared[:])

	direction := crypto.DirectionCaller
	if s.role == RoleCallee {
		direction = crypto.DirectionCallee
	}
	keys, err := crypto.NewKeySet(shared, s.id, s.cfg.Circuits, direction)
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	// The private half is no longer needed once the call keys exist.
	s.keyPair.Wipe()
	s.keys = keys

	logrus.WithFields(logrus.Fields{
		"function":  "Session.deriveKeys",
		"call_id":   s.id.Short(),
		"direction": direction,
		"circuits":  s.cfg.Circuits,
	}).Debug("Call keys derived")
	return nil
}

func (s *Session) buildPipelineLocked() error {
	schedCfg := s.cfg.Scheduler
	schedCfg.Circuits = s.cfg.Circuits
	sched, err := scheduler.New(schedCfg, nil, s.clock)
	if err != nil {
		return err
	}
	engine, err := jitter.NewEngine(s.cfg.Jitter, s.media.Decoder)
	if err != nil {
		return err
	}

	s.sched = sched
	s.collector = telemetry.NewCollector(s.cfg.Circuits)
	s.fec = audio.NewFECController(s.cfg.FECAlpha)
	s.rebuilds = make(chan scheduler.RebuildRequest, s.cfg.Circuits)
	s.player = jitter.NewPlayer(engine, s.media.Sink, jitter.PlayerOptions{
		InboundCapacity: s.cfg.InboundCapacity,
		Observer:        playoutObserver{s},
	})
	return nil
}

func (s *Session) startTasksLocked(runCtx context.Context) {
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.captureLoop(gctx) })
	g.Go(func() error { return s.player.Run(gctx) })
	g.Go(func() error { return s.telemetryLoop(gctx) })
	g.Go(func() error { return s.rebuildLoop(gctx) })

	done := make(chan struct{})
	s.tasksDone = done
	go func() {
		err := g.Wait()
		close(done)
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function": "Session.tasks",
				"call_id":  s.id.Short(),
				"error":    err.Error(),
			}).Error("Call task failed")
			s.End(fmt.Sprintf("%s: %v", ReasonMediaFailure, err))
		}
	}()
}

// captureLoop reads, encodes and sends one frame per interval. Each AUDIO
// payload carries the previous encoded frame as redundancy.
func (s *Session) captureLoop(ctx context.Context) error {
	if s.media.Source == nil || s.media.Encoder == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pcm := make([]int16, s.cfg.Jitter.SamplesPerFrame)
	ticker := time.NewTicker(s.cfg.Jitter.FrameInterval)
	defer ticker.Stop()

	var previous []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.media.Source.ReadFrame(pcm); err != nil {
			if errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "Session.captureLoop",
					"call_id":  s.id.Short(),
					"sent":     s.audioSeq.Load(),
				}).Info("Capture source exhausted")
				<-ctx.Done()
				return ctx.Err()
			}
			return fmt.Errorf("capture failed: %w", err)
		}

		encoded, err := s.media.Encoder.Encode(pcm)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.captureLoop",
				"call_id":  s.id.Short(),
				"error":    err.Error(),
			}).Warn("Encoding failed, skipping frame")
			previous = nil
			continue
		}
		payload, err := frame.EncodeAudioPayload(encoded, previous)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.captureLoop",
				"call_id":  s.id.Short(),
				"error":    err.Error(),
			}).Warn("Audio payload rejected, skipping frame")
			previous = nil
			continue
		}
		previous = encoded

		seq := s.audioSeq.Add(1) - 1
		if err := s.sendFrame(seq, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.maybeRetune()
	}
}

// maybeRetune pushes the FEC controller's target into the encoder. It runs
// on the capture goroutine so the encoder is never touched concurrently.
func (s *Session) maybeRetune() {
	if !s.retune.CompareAndSwap(true, false) {
		return
	}
	tuner, ok := s.media.Encoder.(audio.LossTuner)
	if !ok {
		return
	}
	if _, err := s.fec.Apply(tuner); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.maybeRetune",
			"call_id":  s.id.Short(),
			"error":    err.Error(),
		}).Warn("Failed to retune encoder")
	}
}

// telemetryLoop sends a CONTROL report every interval.
func (s *Session) telemetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		report := s.collector.Snapshot()
		payload, err := telemetry.EncodeReport(report)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.telemetryLoop",
				"call_id":  s.id.Short(),
				"error":    err.Error(),
			}).Warn("Failed to encode telemetry report")
			continue
		}
		seq := frame.ControlSequence(s.controlSeq.Add(1) - 1)
		if err := s.sendFrame(seq, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.metrics.SetJitterTarget(s.player.Stats().TargetMs)
	}
}

// rebuildLoop serializes circuit rebuilds for the call.
func (s *Session) rebuildLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.rebuilds:
			s.rebuild(ctx, req)
		}
	}
}

func (s *Session) rebuild(ctx context.Context, req scheduler.RebuildRequest) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RebuildTimeout)
	defer cancel()

	if err := s.transport.RebuildCircuit(rctx, s.handle, req.Circuit, req.Epoch); err != nil {
		s.sched.AbortRebuild(req.Circuit, req.Epoch)
		logrus.WithFields(logrus.Fields{
			"function": "Session.rebuild",
			"call_id":  s.id.Short(),
			"circuit":  req.Circuit,
			"epoch":    req.Epoch,
			"error":    err.Error(),
		}).Warn("Circuit rebuild failed")
		return
	}
	if s.sched.CompleteRebuild(req.Circuit, req.Epoch) {
		logrus.WithFields(logrus.Fields{
			"function": "Session.rebuild",
			"call_id":  s.id.Short(),
			"circuit":  req.Circuit,
			"epoch":    req.Epoch,
		}).Info("Circuit rebuilt")
	}
}

func (s *Session) requestRebuild(req scheduler.RebuildRequest) {
	s.metrics.Rebuild(req.Circuit)
	r := req
	s.events.publish(Event{
		Type:    EventRebuildRequested,
		CallID:  s.id,
		Peer:    s.peer,
		Time:    s.clock.Now(),
		Rebuild: &r,
	})

	select {
	case s.rebuilds <- req:
	default:
		s.sched.AbortRebuild(req.Circuit, req.Epoch)
		logrus.WithFields(logrus.Fields{
			"function": "Session.requestRebuild",
			"call_id":  s.id.Short(),
			"circuit":  req.Circuit,
		}).Warn("Rebuild queue full, deferring rebuild")
	}
}

// sendFrame seals plaintext under sequence seq and hands it to the circuit
// the scheduler picks. Transport failures are absorbed. A wiped key set or a
// frame that cannot be encoded is returned as an error and ends the call.
func (s *Session) sendFrame(seq uint64, plaintext []byte) error {
	circuit := s.sched.SelectCircuit()
	direction := s.keys.SendDirection()

	aad := frame.BuildAAD(s.id, seq, direction, uint8(circuit))
	ciphertext, err := s.keys.Seal(circuit, seq, plaintext, aad[:])
	if err != nil {
		return fmt.Errorf("failed to seal frame: %w", err)
	}
	data, err := frame.Encode(&frame.Frame{
		CallID:    s.id,
		Sequence:  seq,
		Direction: direction,
		Circuit:   uint8(circuit),
		Payload:   ciphertext,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.sendFrame",
			"call_id":  s.id.Short(),
			"sequence": seq,
			"error":    err.Error(),
		}).Error("Frame cannot be encoded")
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s.sched.RecordSent(circuit)
	if err := s.transport.Send(s.handle, circuit, data); err != nil {
		s.metrics.SendFailure(circuit)
		logrus.WithFields(logrus.Fields{
			"function": "Session.sendFrame",
			"call_id":  s.id.Short(),
			"circuit":  circuit,
			"error":    err.Error(),
		}).Debug("Circuit send failed")
		if req, ok := s.sched.ReportSendFailure(circuit); ok {
			s.requestRebuild(req)
		}
		return nil
	}
	s.sched.ReportSendSuccess(circuit)
	return nil
}

// HandleInbound authenticates and routes one frame from the transport.
// Frames for another call, or arriving while the session is not ACTIVE, are
// dropped without touching any state. Every returned error describes a
// dropped frame; none of them affect the call.
func (s *Session) HandleInbound(pkt transport.Packet) error {
	f, err := frame.Decode(pkt.Data)
	if err != nil {
		s.metrics.ProtocolDrop()
		return err
	}
	if f.CallID != s.id {
		return fmt.Errorf("%w: frame for call %s", ErrUnknownCall, f.CallID.Short())
	}

	s.mu.Lock()
	state, keys := s.state, s.keys
	s.mu.Unlock()
	if state != StateActive || keys == nil {
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}

	if f.Direction != keys.SendDirection()^1 || int(f.Circuit) >= s.cfg.Circuits {
		s.metrics.ProtocolDrop()
		return fmt.Errorf("%w: direction %d circuit %d", frame.ErrProtocol, f.Direction, f.Circuit)
	}

	aad := frame.ReceiveAAD(s.id, f.Sequence, keys.SendDirection(), f.Circuit)
	plaintext, err := keys.Open(int(f.Circuit), f.Sequence, f.Payload, aad[:])
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			s.metrics.AuthFailure()
			logrus.WithFields(logrus.Fields{
				"function": "Session.HandleInbound",
				"call_id":  s.id.Short(),
				"circuit":  f.Circuit,
				"sequence": f.Sequence,
			}).Warn("Discarding frame that failed authentication")
		}
		return err
	}

	if !s.acceptSequence(f.Sequence) {
		s.metrics.ReplayDrop()
		return ErrDuplicateFrame
	}

	circuit := int(f.Circuit)
	if f.Type() == frame.PacketControl {
		report, err := telemetry.DecodeReport(plaintext)
		if err != nil {
			s.metrics.ProtocolDrop()
			return err
		}
		s.processFeedback(report)
		return nil
	}

	s.collector.RecordReceived(circuit)
	s.metrics.FrameReceived(circuit)

	arrival := pkt.Received
	if arrival.IsZero() {
		arrival = s.clock.Now()
	}
	if !s.player.Enqueue(jitter.Entry{
		Sequence: f.Sequence,
		Payload:  plaintext,
		Circuit:  f.Circuit,
		Arrival:  arrival,
	}) {
		s.metrics.InboundDrop()
	}
	return nil
}

// acceptSequence runs the sliding-window replay check for the sequence's
// packet type.
func (s *Session) acceptSequence(seq uint64) bool {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	filter := &s.audioReplay
	if frame.IsControl(seq) {
		filter = &s.controlReplay
	}
	return filter.ValidateCounter(frame.Counter(seq), frame.ControlSequenceFlag)
}

// processFeedback applies a peer report to routing, FEC and quality.
func (s *Session) processFeedback(report telemetry.Report) {
	for _, req := range s.sched.UpdateFromReceiverFeedback(report) {
		s.requestRebuild(req)
	}
	for _, c := range s.sched.Snapshot() {
		s.metrics.SetCircuitBadRate(c.Index, c.BadRate)
	}

	loss := telemetry.LossPercent(report)
	s.fec.Update(loss / 100)
	s.retune.Store(true)

	target := time.Duration(s.player.Stats().TargetMs) * time.Millisecond
	assessment := s.cfg.Quality.Evaluate(telemetry.QualitySample{
		Jitter:      target / 2,
		LossPercent: loss,
		CodecDelay:  s.cfg.Jitter.FrameInterval,
	})
	s.metrics.SetMOS(assessment.MOS)

	logrus.WithFields(logrus.Fields{
		"function": "Session.processFeedback",
		"call_id":  s.id.Short(),
		"loss":     loss,
		"mos":      assessment.MOS,
		"level":    assessment.Level.String(),
	}).Debug("Peer quality report applied")

	s.events.publish(Event{
		Type:       EventTelemetryUpdated,
		CallID:     s.id,
		Peer:       s.peer,
		Time:       s.clock.Now(),
		Report:     &report,
		Assessment: &assessment,
	})
}

// End tears the call down: media tasks stop, circuits close and every key is
// wiped. Circuit shutdown is bounded by TeardownTimeout; the session reaches
// ENDED even when the transport is stuck. End is idempotent and blocks until
// ENDED, or returns at once if another caller is already ending the session.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	_ = s.setStateLocked(StateEnding)
	cancel, done := s.cancel, s.tasksDone
	handle, opened := s.handle, s.opened
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.teardown(done, handle, opened)

	s.mu.Lock()
	if s.keys != nil {
		s.keys.Wipe()
	}
	s.keyPair.Wipe()
	crypto.WipeKey(s.remoteKey)
	_ = s.setStateLocked(StateEnded)
	s.mu.Unlock()

	s.events.publish(Event{
		Type:   EventCallEnded,
		CallID: s.id,
		Peer:   s.peer,
		Time:   s.clock.Now(),
		State:  StateEnded,
		Reason: reason,
	})
	close(s.ended)
}

func (s *Session) teardown(done <-chan struct{}, handle transport.Handle, opened bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if opened {
			if err := s.transport.CloseCircuits(handle); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.teardown",
					"call_id":  s.id.Short(),
					"error":    err.Error(),
				}).Warn("Failed to close circuits")
			}
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "Session.teardown",
			"call_id":  s.id.Short(),
			"timeout":  s.cfg.TeardownTimeout.String(),
		}).Warn("Teardown timed out, wiping keys anyway")
	}
	s.flushTelemetry()
}

// flushTelemetry logs the call's cumulative counters.
func (s *Session) flushTelemetry() {
	s.mu.Lock()
	collector, player, started := s.collector, s.player, s.started
	s.mu.Unlock()
	if collector == nil || player == nil {
		return
	}

	var received, late uint64
	for _, h := range collector.Health() {
		received += h.Received
		late += h.Late
	}
	stats := player.Stats()
	logrus.WithFields(logrus.Fields{
		"function":  "Session.flushTelemetry",
		"call_id":   s.id.Short(),
		"duration":  s.clock.Since(started).String(),
		"sent":      s.audioSeq.Load(),
		"received":  received,
		"late":      late,
		"played":    stats.Played,
		"recovered": stats.Recovered,
		"concealed": stats.Concealed,
		"resyncs":   stats.Resyncs,
	}).Info("Call telemetry")
}

// Stats returns a snapshot of the call.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	st := SessionStats{State: s.state}
	sched, collector, player, fec, started := s.sched, s.collector, s.player, s.fec, s.started
	s.mu.Unlock()

	st.AudioSent = s.audioSeq.Load()
	st.ControlSent = s.controlSeq.Load()
	if !started.IsZero() {
		st.Duration = s.clock.Since(started)
	}
	if sched != nil {
		st.Circuits = sched.Snapshot()
	}
	if collector != nil {
		st.Health = collector.Health()
		for i := range st.Health {
			if i < len(st.Circuits) {
				st.Health[i].Missing = st.Circuits[i].TotalMissing
			}
		}
	}
	if player != nil {
		st.Playout = player.Stats()
	}
	if fec != nil {
		st.FECTarget = fec.Target()
	}
	return st
}

// playoutObserver feeds playout outcomes into the collector and metrics. It
// runs on the player goroutine.
type playoutObserver struct {
	s *Session
}

func (o playoutObserver) FrameAdded(e jitter.Entry, r jitter.AddResult) {
	if r != jitter.AddLate {
		return
	}
	o.s.collector.RecordLate(int(e.Circuit))
	o.s.metrics.LateFrame(int(e.Circuit))
}

func (o playoutObserver) FrameOutput(out jitter.Output) {
	switch out.Kind {
	case jitter.OutputPlayed:
		o.s.collector.RecordPlayed()
	case jitter.OutputRecovered:
		o.s.collector.RecordRecovered()
	case jitter.OutputConcealed:
		o.s.collector.RecordConcealment(1)
	}
	o.s.metrics.PlayoutFrame(out.Kind.String())
}
