package jitter

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid jitter configuration")

// Config tunes the playout engine. Millisecond fields are compared against
// FrameInterval, which is the playout cadence.
type Config struct {
	FrameInterval   time.Duration
	SamplesPerFrame int

	InitialTargetMs int
	MinTargetMs     int
	MaxTargetMs     int
	GrowStepMs      int
	ShrinkStepMs    int

	ShrinkInterval  time.Duration
	StabilityWindow time.Duration

	ReorderGrace time.Duration
	FECGrace     time.Duration

	// ResyncThreshold is the number of consecutive concealed frames after
	// which the cursor jumps to the earliest buffered frame.
	ResyncThreshold int

	// MaxDepthFrames caps maxSeqSeen - nextExpectedSeq.
	MaxDepthFrames int
}

// DefaultConfig returns settings suited to 20 ms Opus frames over Tor.
func DefaultConfig() Config {
	return Config{
		FrameInterval:   20 * time.Millisecond,
		SamplesPerFrame: 960,
		InitialTargetMs: 120,
		MinTargetMs:     60,
		MaxTargetMs:     600,
		GrowStepMs:      40,
		ShrinkStepMs:    20,
		ShrinkInterval:  5 * time.Second,
		StabilityWindow: 10 * time.Second,
		ReorderGrace:    8 * time.Millisecond,
		FECGrace:        6 * time.Millisecond,
		ResyncThreshold: 5,
		MaxDepthFrames:  50,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.FrameInterval < time.Millisecond:
		return fmt.Errorf("%w: frame interval %v", ErrInvalidConfig, c.FrameInterval)
	case c.SamplesPerFrame <= 0:
		return fmt.Errorf("%w: samples per frame %d", ErrInvalidConfig, c.SamplesPerFrame)
	case c.MinTargetMs <= 0 || c.MinTargetMs > c.MaxTargetMs:
		return fmt.Errorf("%w: target range [%d, %d] ms", ErrInvalidConfig, c.MinTargetMs, c.MaxTargetMs)
	case c.InitialTargetMs < c.MinTargetMs || c.InitialTargetMs > c.MaxTargetMs:
		return fmt.Errorf("%w: initial target %d ms outside [%d, %d]", ErrInvalidConfig, c.InitialTargetMs, c.MinTargetMs, c.MaxTargetMs)
	case c.GrowStepMs <= 0 || c.ShrinkStepMs <= 0:
		return fmt.Errorf("%w: grow %d ms, shrink %d ms", ErrInvalidConfig, c.GrowStepMs, c.ShrinkStepMs)
	case c.ShrinkInterval <= 0 || c.StabilityWindow <= 0:
		return fmt.Errorf("%w: shrink interval %v, stability window %v", ErrInvalidConfig, c.ShrinkInterval, c.StabilityWindow)
	case c.ReorderGrace < 0 || c.FECGrace < 0:
		return fmt.Errorf("%w: negative grace window", ErrInvalidConfig)
	case c.ReorderGrace+c.FECGrace >= c.FrameInterval:
		return fmt.Errorf("%w: reorder grace %v + fec grace %v must be below frame interval %v",
			ErrInvalidConfig, c.ReorderGrace, c.FECGrace, c.FrameInterval)
	case c.ResyncThreshold < 1:
		return fmt.Errorf("%w: resync threshold %d", ErrInvalidConfig, c.ResyncThreshold)
	case c.MaxDepthFrames < c.framesFor(c.MaxTargetMs):
		return fmt.Errorf("%w: max depth %d frames cannot hold max target %d ms", ErrInvalidConfig, c.MaxDepthFrames, c.MaxTargetMs)
	}
	return nil
}

func (c Config) frameMs() int {
	return int(c.FrameInterval / time.Millisecond)
}

// framesFor converts a duration in milliseconds to whole frames, rounding up.
func (c Config) framesFor(ms int) int {
	f := c.frameMs()
	if f <= 0 {
		return 0
	}
	return (ms + f - 1) / f
}
