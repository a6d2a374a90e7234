package jitter

import (
	"fmt"
	"time"

	"github.com/opd-ai/torvoice/av/frame"
	"github.com/sirupsen/logrus"
)

// historySize is how many recently played sequences are remembered to tell
// duplicates of played frames apart from genuinely late ones.
const historySize = 256

// Decoder turns encoded audio frames into PCM. Conceal synthesizes a
// replacement for a frame that never arrived.
type Decoder interface {
	Decode(encoded []byte) ([]int16, error)
	Conceal() ([]int16, error)
}

// Entry is a decrypted AUDIO frame waiting for playout. Payload is the AUDIO
// plaintext (primary plus redundancy).
type Entry struct {
	Sequence uint64
	Payload  []byte
	Circuit  uint8
	Arrival  time.Time
}

// AddResult reports what AddFrame did with a frame.
type AddResult int

const (
	// AddAccepted means the frame was buffered.
	AddAccepted AddResult = iota
	// AddDuplicate means the sequence was already buffered or played.
	AddDuplicate
	// AddLate means the frame is behind the playout cursor and was dropped.
	AddLate
	// AddOverflow means the frame was buffered but pushed the depth past
	// MaxDepthFrames; the next tick panic-trims.
	AddOverflow
)

// String returns the result name.
func (r AddResult) String() string {
	switch r {
	case AddAccepted:
		return "accepted"
	case AddDuplicate:
		return "duplicate"
	case AddLate:
		return "late"
	case AddOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("AddResult(%d)", int(r))
	}
}

// OutputKind classifies the audio produced by a tick.
type OutputKind int

const (
	// OutputPlayed is a frame decoded from its own payload.
	OutputPlayed OutputKind = iota
	// OutputRecovered is a lost frame rebuilt from the next frame's redundancy.
	OutputRecovered
	// OutputConcealed is synthesized audio for a missing frame.
	OutputConcealed
	// OutputBuffering is silence emitted while the engine primes.
	OutputBuffering
)

// String returns the kind name.
func (k OutputKind) String() string {
	switch k {
	case OutputPlayed:
		return "played"
	case OutputRecovered:
		return "recovered"
	case OutputConcealed:
		return "concealed"
	case OutputBuffering:
		return "buffering"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// Output is one frame interval of audio.
type Output struct {
	Sequence uint64
	Kind     OutputKind
	PCM      []int16
}

// WaitFunc blocks for at most d or until the frame with sequence seq has
// been added to the engine, and reports whether it is now buffered. The
// engine calls it from inside Tick; implementations add arriving frames
// with AddFrame while waiting.
type WaitFunc func(seq uint64, d time.Duration) bool

// Stats is a snapshot of engine counters.
type Stats struct {
	Played        uint64
	Recovered     uint64
	Concealed     uint64
	Buffering     uint64
	Resyncs       uint64
	ResyncSkipped uint64
	PanicTrims    uint64
	Trimmed       uint64 // frames dropped by panic trims and latency drain
	Late          uint64
	Duplicates    uint64
	TargetMs      int
	Depth         int
}

// Engine is the jitter buffer and playout state machine. It is not safe for
// concurrent use; a single owner drives AddFrame and Tick.
type Engine struct {
	cfg     Config
	decoder Decoder

	pending     map[uint64]Entry
	cursor      uint64 // nextExpectedSeq
	maxSeqSeen  uint64
	initialized bool
	priming     bool

	targetMs        int
	consecutiveLoss int

	tick            uint64
	lastGrowthTick  uint64
	lastShrinkTick  uint64
	hasGrown        bool
	history         [historySize]uint64
	stabilityTicks  uint64
	shrinkEachTicks uint64

	stats Stats
}

// NewEngine creates a playout engine. The decoder must not be nil.
func NewEngine(cfg Config, decoder Decoder) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewEngine",
			"error":    err.Error(),
		}).Error("Rejecting jitter configuration")
		return nil, err
	}
	if decoder == nil {
		return nil, fmt.Errorf("%w: nil decoder", ErrInvalidConfig)
	}

	e := &Engine{
		cfg:             cfg,
		decoder:         decoder,
		pending:         make(map[uint64]Entry),
		priming:         true,
		targetMs:        cfg.InitialTargetMs,
		stabilityTicks:  uint64(cfg.StabilityWindow / cfg.FrameInterval),
		shrinkEachTicks: uint64(cfg.ShrinkInterval / cfg.FrameInterval),
	}
	if e.shrinkEachTicks == 0 {
		e.shrinkEachTicks = 1
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewEngine",
		"frame_interval": cfg.FrameInterval.String(),
		"target_ms":      cfg.InitialTargetMs,
		"max_depth":      cfg.MaxDepthFrames,
	}).Info("Jitter engine created")

	return e, nil
}

// Has reports whether the frame with sequence seq is buffered.
func (e *Engine) Has(seq uint64) bool {
	_, ok := e.pending[seq]
	return ok
}

// Cursor returns the next expected sequence number.
func (e *Engine) Cursor() uint64 {
	return e.cursor
}

// TargetMs returns the current adaptive buffer target.
func (e *Engine) TargetMs() int {
	return e.targetMs
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.TargetMs = e.targetMs
	s.Depth = len(e.pending)
	return s
}

// AddFrame buffers a decrypted frame. It never blocks and never reorders
// already-played output. Adding the same sequence twice is a no-op.
func (e *Engine) AddFrame(entry Entry) AddResult {
	seq := entry.Sequence

	if e.initialized && seq < e.cursor {
		if e.wasPlayed(seq) {
			e.stats.Duplicates++
			return AddDuplicate
		}
		e.stats.Late++
		logrus.WithFields(logrus.Fields{
			"function": "Engine.AddFrame",
			"sequence": seq,
			"cursor":   e.cursor,
			"circuit":  entry.Circuit,
		}).Debug("Dropping late frame")
		return AddLate
	}
	if _, dup := e.pending[seq]; dup {
		e.stats.Duplicates++
		return AddDuplicate
	}

	e.pending[seq] = entry
	if seq > e.maxSeqSeen {
		e.maxSeqSeen = seq
	}

	if e.initialized && e.maxSeqSeen-e.cursor > uint64(e.cfg.MaxDepthFrames) {
		return AddOverflow
	}
	return AddAccepted
}

// Tick produces the next frame interval of audio. The only blocking it does
// is through wait, bounded by ReorderGrace and FECGrace.
func (e *Engine) Tick(wait WaitFunc) Output {
	e.tick++
	e.enforceCap()

	if e.priming {
		if !e.primed() {
			e.stats.Buffering++
			return Output{Sequence: e.cursor, Kind: OutputBuffering, PCM: e.silence()}
		}
		e.finishPriming()
	}

	e.maybeShrink()

	seq := e.cursor
	if entry, ok := e.pending[seq]; ok {
		return e.play(entry)
	}

	if e.consecutiveLoss > e.cfg.ResyncThreshold {
		if earliest, ok := e.earliest(); ok {
			e.resync(earliest)
			return e.play(e.pending[earliest])
		}
	}

	if wait != nil && e.cfg.ReorderGrace > 0 && wait(seq, e.cfg.ReorderGrace) {
		if entry, ok := e.pending[seq]; ok {
			return e.play(entry)
		}
	}

	if out, ok := e.recover(seq, wait); ok {
		return out
	}

	return e.conceal(seq)
}

// primed reports whether the buffered frames cover the target depth.
func (e *Engine) primed() bool {
	if len(e.pending) == 0 {
		return false
	}
	base := e.cursor
	if !e.initialized {
		base, _ = e.earliest()
	}
	if e.maxSeqSeen < base {
		return false
	}
	depth := int(e.maxSeqSeen-base) + 1
	return depth >= e.cfg.framesFor(e.targetMs)
}

func (e *Engine) finishPriming() {
	e.priming = false
	earliest, _ := e.earliest()

	if !e.initialized {
		e.initialized = true
		e.cursor = earliest
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.Tick",
			"cursor":    e.cursor,
			"target_ms": e.targetMs,
			"buffered":  len(e.pending),
		}).Info("Playout primed")
		return
	}

	// Resuming after an underrun. A gap the next frame's redundancy cannot
	// bridge is skipped in one step instead of being concealed frame by frame.
	if earliest > e.cursor+1 {
		e.resync(earliest)
	}
}

func (e *Engine) play(entry Entry) Output {
	seq := entry.Sequence
	delete(e.pending, seq)

	primary, _, err := frame.DecodeAudioPayload(entry.Payload)
	var pcm []int16
	if err == nil {
		pcm, err = e.decoder.Decode(primary)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.play",
			"sequence": seq,
			"error":    err.Error(),
		}).Warn("Decode failed, concealing frame")
		e.advance(seq, false)
		e.stats.Concealed++
		return Output{Sequence: seq, Kind: OutputConcealed, PCM: e.concealPCM()}
	}

	e.advance(seq, true)
	e.stats.Played++
	return Output{Sequence: seq, Kind: OutputPlayed, PCM: pcm}
}

// recover rebuilds seq from the redundancy carried by seq+1. At most one
// frame is recovered per attempt.
func (e *Engine) recover(seq uint64, wait WaitFunc) (Output, bool) {
	next, ok := e.pending[seq+1]
	if !ok && wait != nil && e.cfg.FECGrace > 0 && wait(seq+1, e.cfg.FECGrace) {
		next, ok = e.pending[seq+1]
	}
	if !ok {
		return Output{}, false
	}
	// The missing frame may have landed while waiting for its successor.
	if entry, ok := e.pending[seq]; ok {
		return e.play(entry), true
	}

	_, redundant, err := frame.DecodeAudioPayload(next.Payload)
	if err != nil || len(redundant) == 0 {
		return Output{}, false
	}
	pcm, err := e.decoder.Decode(redundant)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.recover",
			"sequence": seq,
			"error":    err.Error(),
		}).Debug("Redundancy decode failed")
		return Output{}, false
	}

	e.advance(seq, false)
	e.stats.Recovered++
	logrus.WithFields(logrus.Fields{
		"function": "Engine.recover",
		"sequence": seq,
		"circuit":  next.Circuit,
	}).Debug("Recovered frame from redundancy")
	return Output{Sequence: seq, Kind: OutputRecovered, PCM: pcm}, true
}

// conceal fills a missing frame. With nothing later buffered the cursor
// holds, since the frame may still turn up. Otherwise it moves on so the
// next tick can rebuild seq+1 from the redundancy in seq+2.
func (e *Engine) conceal(seq uint64) Output {
	e.stats.Concealed++
	e.consecutiveLoss++
	e.grow()

	switch {
	case len(e.pending) == 0:
		e.priming = true
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.conceal",
			"cursor":    e.cursor,
			"target_ms": e.targetMs,
		}).Debug("Buffer underrun, re-priming")
	case e.maxSeqSeen > seq:
		e.cursor = seq + 1
	}

	return Output{Sequence: seq, Kind: OutputConcealed, PCM: e.concealPCM()}
}

func (e *Engine) resync(to uint64) {
	skipped := to - e.cursor
	e.stats.Resyncs++
	e.stats.ResyncSkipped += skipped

	logrus.WithFields(logrus.Fields{
		"function":         "Engine.resync",
		"from":             e.cursor,
		"to":               to,
		"skipped":          skipped,
		"consecutive_loss": e.consecutiveLoss,
	}).Info("Resynchronizing playout cursor")

	e.cursor = to
	e.consecutiveLoss = 0
}

// enforceCap force-advances the cursor when the buffered span exceeds
// MaxDepthFrames, dropping everything it skips.
func (e *Engine) enforceCap() {
	if !e.initialized || e.maxSeqSeen < e.cursor {
		return
	}
	limit := uint64(e.cfg.MaxDepthFrames)
	if e.maxSeqSeen-e.cursor <= limit {
		return
	}

	newCursor := e.maxSeqSeen - limit
	skipped := newCursor - e.cursor
	for seq := range e.pending {
		if seq < newCursor {
			delete(e.pending, seq)
		}
	}

	e.stats.PanicTrims++
	e.stats.Trimmed += skipped

	logrus.WithFields(logrus.Fields{
		"function":   "Engine.enforceCap",
		"from":       e.cursor,
		"to":         newCursor,
		"skipped":    skipped,
		"max_seq":    e.maxSeqSeen,
		"depth_cap":  e.cfg.MaxDepthFrames,
		"panic_trim": e.stats.PanicTrims,
	}).Warn("Buffered depth over cap, trimming")

	e.cursor = newCursor
	e.consecutiveLoss = 0
}

func (e *Engine) grow() {
	e.targetMs = min(e.targetMs+e.cfg.GrowStepMs, e.cfg.MaxTargetMs)
	e.lastGrowthTick = e.tick
	e.hasGrown = true
}

func (e *Engine) maybeShrink() {
	if e.tick-e.lastShrinkTick < e.shrinkEachTicks {
		return
	}
	e.lastShrinkTick = e.tick
	if e.hasGrown && e.tick-e.lastGrowthTick < e.stabilityTicks {
		return
	}
	if e.targetMs > e.cfg.MinTargetMs {
		e.targetMs = max(e.targetMs-e.cfg.ShrinkStepMs, e.cfg.MinTargetMs)
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.maybeShrink",
			"target_ms": e.targetMs,
		}).Debug("Shrinking jitter target")
	}
	e.drain()
}

// drain drops one buffered frame when the queue is deeper than the target,
// so a smaller target also shortens the playout delay. It runs once per
// shrink step. It only drops a frame
// whose successor is buffered, never into a gap.
func (e *Engine) drain() {
	if e.maxSeqSeen < e.cursor {
		return
	}
	depth := int(e.maxSeqSeen-e.cursor) + 1
	if depth <= e.cfg.framesFor(e.targetMs) {
		return
	}
	if !e.Has(e.cursor) || !e.Has(e.cursor+1) {
		return
	}
	delete(e.pending, e.cursor)
	e.cursor++
	e.stats.Trimmed++
}

func (e *Engine) advance(seq uint64, played bool) {
	if played {
		e.history[seq%historySize] = seq + 1
	}
	e.cursor = seq + 1
	e.consecutiveLoss = 0
}

func (e *Engine) wasPlayed(seq uint64) bool {
	return e.history[seq%historySize] == seq+1
}

func (e *Engine) earliest() (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for seq := range e.pending {
		if !found || seq < best {
			best, found = seq, true
		}
	}
	return best, found
}

func (e *Engine) concealPCM() []int16 {
	pcm, err := e.decoder.Conceal()
	if err != nil || len(pcm) == 0 {
		return e.silence()
	}
	return pcm
}

func (e *Engine) silence() []int16 {
	return make([]int16, e.cfg.SamplesPerFrame)
}
