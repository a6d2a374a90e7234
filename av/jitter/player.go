package jitter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink receives played PCM. WriteFrame may block on device I/O; the Player
// calls it from a dedicated writer goroutine, never from the playout tick.
type Sink interface {
	WriteFrame(pcm []int16) error
}

// Observer is notified of every frame added and every tick produced. It is
// called on the playout goroutine and must not block.
type Observer interface {
	FrameAdded(entry Entry, result AddResult)
	FrameOutput(out Output)
}

// PlayerOptions tunes the Player's channels.
type PlayerOptions struct {
	// InboundCapacity bounds the decrypted-frame channel. Default 64.
	InboundCapacity int
	// SinkCapacity bounds the PCM channel to the sink writer. Default 8.
	SinkCapacity int
	// MaxLag is how far behind schedule the loop may fall before it
	// re-anchors its deadlines instead of bursting ticks. Default 5 frames.
	MaxLag time.Duration
	Observer Observer
}

// Player owns an Engine and drives it on a fixed cadence. Frames reach it
// through Enqueue, PCM leaves through the Sink.
type Player struct {
	engine   *Engine
	sink     Sink
	observer Observer
	interval time.Duration
	maxLag   time.Duration

	inbound chan Entry
	pcm     chan []int16

	mu    sync.RWMutex
	stats Stats

	droppedInbound atomic.Uint64
	droppedPCM     atomic.Uint64
	ticks          atomic.Uint64
}

// NewPlayer wraps an engine. The engine must not be used by anyone else
// afterwards.
func NewPlayer(engine *Engine, sink Sink, opts PlayerOptions) *Player {
	if opts.InboundCapacity <= 0 {
		opts.InboundCapacity = 64
	}
	if opts.SinkCapacity <= 0 {
		opts.SinkCapacity = 8
	}
	if opts.MaxLag <= 0 {
		opts.MaxLag = 5 * engine.cfg.FrameInterval
	}

	return &Player{
		engine:   engine,
		sink:     sink,
		observer: opts.Observer,
		interval: engine.cfg.FrameInterval,
		maxLag:   opts.MaxLag,
		inbound:  make(chan Entry, opts.InboundCapacity),
		pcm:      make(chan []int16, opts.SinkCapacity),
		stats:    engine.Stats(),
	}
}

// Enqueue hands a decrypted frame to the playout goroutine. It never blocks;
// when the channel is full the frame is dropped and false is returned.
func (p *Player) Enqueue(e Entry) bool {
	select {
	case p.inbound <- e:
		return true
	default:
		p.droppedInbound.Add(1)
		return false
	}
}

// Stats returns the engine counters as of the last tick.
func (p *Player) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Dropped returns frames dropped on a full inbound channel and PCM frames
// discarded because the sink fell behind.
func (p *Player) Dropped() (inbound, pcm uint64) {
	return p.droppedInbound.Load(), p.droppedPCM.Load()
}

// Ticks returns the number of ticks run so far.
func (p *Player) Ticks() uint64 {
	return p.ticks.Load()
}

// Run drives playout until ctx is cancelled. It returns ctx.Err().
func (p *Player) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.playLoop(gctx) })
	return g.Wait()
}

// playLoop runs ticks at start + n*interval. Between ticks it drains the
// inbound channel into the engine.
func (p *Player) playLoop(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Player.playLoop",
		"interval": p.interval.String(),
	}).Info("Playout loop started")

	start := time.Now()
	wait := p.waitFunc(ctx)

	for n := int64(1); ; n++ {
		deadline := start.Add(time.Duration(n) * p.interval)
		if err := p.drainUntil(ctx, deadline); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Player.playLoop",
				"ticks":    p.ticks.Load(),
			}).Info("Playout loop stopped")
			return err
		}

		out := p.engine.Tick(wait)
		p.ticks.Add(1)
		p.publish(out)

		if lag := time.Since(deadline); lag > p.maxLag {
			logrus.WithFields(logrus.Fields{
				"function": "Player.playLoop",
				"lag":      lag.String(),
			}).Warn("Playout fell behind schedule, re-anchoring")
			start = time.Now()
			n = 0
		}
	}
}

func (p *Player) drainUntil(ctx context.Context, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.inbound:
			p.add(e)
		case <-timer.C:
			return nil
		}
	}
}

// waitFunc implements WaitFunc over the inbound channel.
func (p *Player) waitFunc(ctx context.Context) WaitFunc {
	return func(seq uint64, d time.Duration) bool {
		if p.engine.Has(seq) {
			return true
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return false
			case e := <-p.inbound:
				p.add(e)
				if p.engine.Has(seq) {
					return true
				}
			case <-timer.C:
				return p.engine.Has(seq)
			}
		}
	}
}

func (p *Player) add(e Entry) {
	result := p.engine.AddFrame(e)
	if p.observer != nil {
		p.observer.FrameAdded(e, result)
	}
}

func (p *Player) publish(out Output) {
	if p.observer != nil {
		p.observer.FrameOutput(out)
	}

	p.mu.Lock()
	p.stats = p.engine.Stats()
	p.mu.Unlock()

	// Drop the oldest queued frame rather than stall the tick.
	select {
	case p.pcm <- out.PCM:
		return
	default:
	}
	select {
	case <-p.pcm:
		p.droppedPCM.Add(1)
	default:
	}
	select {
	case p.pcm <- out.PCM:
	default:
		p.droppedPCM.Add(1)
	}
}

func (p *Player) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm := <-p.pcm:
			if p.sink == nil {
				continue
			}
			if err := p.sink.WriteFrame(pcm); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Player.writeLoop",
					"error":    err.Error(),
				}).Warn("Sink write failed")
			}
		}
	}
}
