package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxGain is the largest linear gain GainEffect accepts (+12 dB).
const MaxGain = 4.0

// AudioEffect processes one frame of PCM. Implementations may modify the
// slice in place.
type AudioEffect interface {
	Process(samples []int16) ([]int16, error)
	Name() string
}

// GainEffect applies linear gain with clipping.
type GainEffect struct {
	mu   sync.Mutex
	gain float64
}

// NewGainEffect creates a gain stage. 0 is silence, 1 is unity.
func NewGainEffect(gain float64) (*GainEffect, error) {
	if err := validateGain(gain); err != nil {
		return nil, err
	}
	return &GainEffect{gain: gain}, nil
}

func validateGain(gain float64) error {
	if gain < 0 || gain > MaxGain || math.IsNaN(gain) {
		return fmt.Errorf("%w: %v", ErrInvalidGain, gain)
	}
	return nil
}

// Process scales samples in place, saturating at the int16 range.
func (g *GainEffect) Process(samples []int16) ([]int16, error) {
	g.mu.Lock()
	gain := g.gain
	g.mu.Unlock()

	if gain == 1 {
		return samples, nil
	}

	clipped := 0
	for i, s := range samples {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
			clipped++
		case v < math.MinInt16:
			v = math.MinInt16
			clipped++
		}
		samples[i] = int16(v)
	}
	if clipped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "GainEffect.Process",
			"clipped":  clipped,
			"gain":     gain,
		}).Debug("Samples clipped")
	}
	return samples, nil
}

// Name implements AudioEffect.
func (g *GainEffect) Name() string { return "gain" }

// SetGain changes the gain.
func (g *GainEffect) SetGain(gain float64) error {
	if err := validateGain(gain); err != nil {
		return err
	}
	g.mu.Lock()
	g.gain = gain
	g.mu.Unlock()
	return nil
}

// Gain returns the current gain.
func (g *GainEffect) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

// EffectChain runs effects in order. It is safe for concurrent use.
type EffectChain struct {
	mu      sync.RWMutex
	effects []AudioEffect
}

// NewEffectChain returns a chain holding effects.
func NewEffectChain(effects ...AudioEffect) *EffectChain {
	return &EffectChain{effects: effects}
}

// Add appends an effect.
func (c *EffectChain) Add(effect AudioEffect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effects = append(c.effects, effect)
}

// Len returns the number of effects.
func (c *EffectChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.effects)
}

// Process applies every effect. The first failure stops the chain.
func (c *EffectChain) Process(samples []int16) ([]int16, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var err error
	for i, effect := range c.effects {
		samples, err = effect.Process(samples)
		if err != nil {
			return nil, fmt.Errorf("effect %d (%s): %w", i, effect.Name(), err)
		}
	}
	return samples, nil
}

// ProcessedSource runs a chain over every frame read from a source.
type ProcessedSource struct {
	Source Source
	Chain  *EffectChain
}

// ReadFrame implements Source.
func (p ProcessedSource) ReadFrame(pcm []int16) error {
	if err := p.Source.ReadFrame(pcm); err != nil {
		return err
	}
	if p.Chain == nil {
		return nil
	}
	out, err := p.Chain.Process(pcm)
	if err != nil {
		return err
	}
	if len(out) != len(pcm) {
		return fmt.Errorf("%w: effect chain returned %d samples, want %d", ErrFrameSize, len(out), len(pcm))
	}
	if len(pcm) > 0 && &out[0] != &pcm[0] {
		copy(pcm, out)
	}
	return nil
}
