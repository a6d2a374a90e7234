package av

import (
	"fmt"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/av/frame"
	"github.com/opd-ai/torvoice/av/jitter"
	"github.com/opd-ai/torvoice/av/scheduler"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
)

// MaxPCMPayload returns the sealed AUDIO payload size of an uncompressed
// frame of samplesPerFrame samples carrying one redundant frame.
func MaxPCMPayload(samplesPerFrame int) int {
	return 2*(2*samplesPerFrame) + 4 + crypto.Overhead
}

// SessionConfig tunes one call.
type SessionConfig struct {
	// Circuits is the number of parallel transport circuits per call.
	Circuits int

	Jitter    jitter.Config
	Scheduler scheduler.Config

	// TelemetryInterval is how often a CONTROL report is sent.
	TelemetryInterval time.Duration
	// TeardownTimeout bounds circuit shutdown when a call ends.
	TeardownTimeout time.Duration
	// RebuildTimeout bounds a single circuit rebuild.
	RebuildTimeout time.Duration

	// FECAlpha smooths the peer-reported loss feeding the encoder.
	FECAlpha float64

	// InboundCapacity bounds the decrypted-frame channel to the player.
	InboundCapacity int

	Quality telemetry.QualityThresholds
}

// DefaultSessionConfig returns settings for three circuits and 20 ms frames.
func DefaultSessionConfig() SessionConfig {
	sched := scheduler.DefaultConfig()
	return SessionConfig{
		Circuits:          sched.Circuits,
		Jitter:            jitter.DefaultConfig(),
		Scheduler:         sched,
		TelemetryInterval: telemetry.DefaultInterval,
		TeardownTimeout:   3 * time.Second,
		RebuildTimeout:    60 * time.Second,
		FECAlpha:          audio.DefaultFECAlpha,
		InboundCapacity:   64,
		Quality:           telemetry.TorQualityThresholds(),
	}
}

// Validate checks the configuration. The scheduler circuit count is
// overridden by Circuits.
func (c SessionConfig) Validate() error {
	if c.Circuits < 1 || c.Circuits > 256 {
		return fmt.Errorf("%w: %d circuits", ErrInvalidConfig, c.Circuits)
	}
	if c.TelemetryInterval <= 0 {
		return fmt.Errorf("%w: telemetry interval %v", ErrInvalidConfig, c.TelemetryInterval)
	}
	if c.TeardownTimeout <= 0 {
		return fmt.Errorf("%w: teardown timeout %v", ErrInvalidConfig, c.TeardownTimeout)
	}
	if c.RebuildTimeout <= 0 {
		return fmt.Errorf("%w: rebuild timeout %v", ErrInvalidConfig, c.RebuildTimeout)
	}
	if err := c.Jitter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if n := MaxPCMPayload(c.Jitter.SamplesPerFrame); n > frame.MaxPayloadSize {
		return fmt.Errorf("%w: %d samples per frame need %d byte payloads, limit is %d",
			ErrInvalidConfig, c.Jitter.SamplesPerFrame, n, frame.MaxPayloadSize)
	}
	sched := c.Scheduler
	sched.Circuits = c.Circuits
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ManagerConfig tunes call establishment.
type ManagerConfig struct {
	Session SessionConfig

	// OfferTimeout is how long an outgoing offer waits for an answer.
	OfferTimeout time.Duration
	// OfferRetransmit is the interval at which an unanswered offer is sent
	// again, so a lost OFFER or ANSWER does not fail the call.
	OfferRetransmit time.Duration
	// AnsweredCacheTTL is how long an ANSWER is kept for retransmitted offers.
	AnsweredCacheTTL time.Duration
	// EventBuffer bounds the event channel.
	EventBuffer int
}

// DefaultManagerConfig returns the defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Session:          DefaultSessionConfig(),
		OfferTimeout:     45 * time.Second,
		OfferRetransmit:  5 * time.Second,
		AnsweredCacheTTL: 2 * time.Minute,
		EventBuffer:      64,
	}
}

// Validate checks the configuration.
func (c ManagerConfig) Validate() error {
	if c.OfferTimeout <= 0 {
		return fmt.Errorf("%w: offer timeout %v", ErrInvalidConfig, c.OfferTimeout)
	}
	if c.OfferRetransmit <= 0 {
		return fmt.Errorf("%w: offer retransmit interval %v", ErrInvalidConfig, c.OfferRetransmit)
	}
	if c.AnsweredCacheTTL <= 0 {
		return fmt.Errorf("%w: answered cache ttl %v", ErrInvalidConfig, c.AnsweredCacheTTL)
	}
	return c.Session.Validate()
}
