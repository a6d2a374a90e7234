package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(c *FECController, loss float64, n int) {
	for i := 0; i < n; i++ {
		c.Update(loss)
	}
}

func TestFECControllerDefaults(t *testing.T) {
	c := NewFECController(0)
	assert.InDelta(t, DefaultFECAlpha, c.alpha, 1e-12)
	assert.Equal(t, InitialLossPercent, c.LastSet())
	assert.Equal(t, MinLossPercent, c.Target())

	assert.InDelta(t, 0.30, NewFECController(0.9).alpha, 1e-12)
	assert.InDelta(t, 0.05, NewFECController(0.01).alpha, 1e-12)
}

func TestFECControllerSmoothing(t *testing.T) {
	c := NewFECController(0)
	c.Update(0.30)
	assert.InDelta(t, 0.045, c.Loss(), 1e-9)

	c.Update(5)
	assert.LessOrEqual(t, c.Loss(), 1.0, "window loss is clamped")
}

func TestFECControllerTargetRange(t *testing.T) {
	tests := []struct {
		name string
		loss float64
		want int
	}{
		{"quiet floors at minimum", 0, MinLossPercent},
		{"moderate gets headroom", 0.20, 24},
		{"heavy clamps at maximum", 0.50, MaxLossPercent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewFECController(0)
			feed(c, tt.loss, 25)
			assert.Equal(t, tt.want, c.Target())
		})
	}
}

func TestFECControllerApplyRateLimitAndHysteresis(t *testing.T) {
	c := NewFECController(0)
	enc := NewPCMEncoder(DefaultSamplesPerFrame)

	for i := 0; i < 24; i++ {
		c.Update(0.5)
		changed, err := c.Apply(enc)
		require.NoError(t, err)
		assert.False(t, changed, "update %d", i+1)
	}

	c.Update(0.5)
	changed, err := c.Apply(enc)
	require.NoError(t, err)
	assert.True(t, changed)
	loss, fec, updates := enc.Tuning()
	assert.Equal(t, MaxLossPercent, loss)
	assert.True(t, fec)
	assert.Equal(t, 1, updates)

	// Same target on the next boundary: hysteresis keeps the encoder alone.
	feed(c, 0.5, 25)
	changed, err = c.Apply(enc)
	require.NoError(t, err)
	assert.False(t, changed)

	// Loss disappears: target falls to the floor and in-band FEC turns off.
	feed(c, 0, 25)
	changed, err = c.Apply(enc)
	require.NoError(t, err)
	assert.True(t, changed)
	loss, fec, _ = enc.Tuning()
	assert.Equal(t, MinLossPercent, loss)
	assert.False(t, fec)
	assert.Equal(t, MinLossPercent, c.LastSet())
}

func TestFECControllerSmallMoveIgnored(t *testing.T) {
	c := NewFECController(0)
	enc := NewPCMEncoder(DefaultSamplesPerFrame)

	// 0.2 loss settles at a target of 24, one point from the initial 25.
	feed(c, 0.20, 25)
	changed, err := c.Apply(enc)
	require.NoError(t, err)
	assert.False(t, changed)
	_, _, updates := enc.Tuning()
	assert.Zero(t, updates)
}

type failingTuner struct{}

func (failingTuner) SetPacketLossPercent(int) error { return errors.New("boom") }
func (failingTuner) SetInbandFEC(bool) error         { return nil }

func TestFECControllerTunerError(t *testing.T) {
	c := NewFECController(0)
	feed(c, 0.5, 25)

	changed, err := c.Apply(failingTuner{})
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, InitialLossPercent, c.LastSet())

	changed, err = c.Apply(nil)
	assert.NoError(t, err)
	assert.False(t, changed)
}
