package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for unusable scheduler settings.
var ErrInvalidConfig = errors.New("invalid scheduler configuration")

// Config tunes circuit selection and rebuild decisions.
type Config struct {
	Circuits int

	// BadRateWeight is k in 1/(1 + k*badRate), badRate as a fraction.
	BadRateWeight float64
	// EMAAlpha smooths per-report bad rates.
	EMAAlpha float64

	DownAfterFailures        int
	RebuildThresholdPermille int
	PoorReportsBeforeRebuild int
	RebuildCooldown          time.Duration
}

// DefaultConfig returns settings for three circuits.
func DefaultConfig() Config {
	return Config{
		Circuits:                 3,
		BadRateWeight:            10,
		EMAAlpha:                 0.3,
		DownAfterFailures:        3,
		RebuildThresholdPermille: 250,
		PoorReportsBeforeRebuild: 4,
		RebuildCooldown:          10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Circuits < 1 || c.Circuits > 256:
		return fmt.Errorf("%w: %d circuits", ErrInvalidConfig, c.Circuits)
	case c.BadRateWeight < 0:
		return fmt.Errorf("%w: negative bad rate weight", ErrInvalidConfig)
	case c.EMAAlpha <= 0 || c.EMAAlpha > 1:
		return fmt.Errorf("%w: ema alpha %v", ErrInvalidConfig, c.EMAAlpha)
	case c.DownAfterFailures < 1:
		return fmt.Errorf("%w: down after %d failures", ErrInvalidConfig, c.DownAfterFailures)
	case c.RebuildThresholdPermille <= 0 || c.RebuildThresholdPermille > 1000:
		return fmt.Errorf("%w: rebuild threshold %d", ErrInvalidConfig, c.RebuildThresholdPermille)
	case c.PoorReportsBeforeRebuild < 1:
		return fmt.Errorf("%w: poor reports %d", ErrInvalidConfig, c.PoorReportsBeforeRebuild)
	case c.RebuildCooldown < 0:
		return fmt.Errorf("%w: negative cooldown", ErrInvalidConfig)
	}
	return nil
}
