package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// FEC controller constants.
const (
	DefaultFECAlpha        = 0.15
	fecHeadroom            = 1.25
	MinLossPercent         = 5
	MaxLossPercent         = 35
	InitialLossPercent     = 25
	fecApplyEvery          = 25
	fecHysteresisPercent   = 3
	InbandFECThresholdPerc = 10
)

// FECController smooths observed loss and decides when to retune the
// encoder's expected-loss setting. Updates arrive once per peer report;
// the encoder is touched at most every 25 updates and only when the target
// moved by at least 3 points.
type FECController struct {
	mu      sync.Mutex
	alpha   float64
	ema     float64
	lastSet int
	ticks   uint32
}

// NewFECController creates a controller. Alpha outside [0.05, 0.30] is
// clamped; zero selects DefaultFECAlpha.
func NewFECController(alpha float64) *FECController {
	if alpha == 0 {
		alpha = DefaultFECAlpha
	}
	alpha = math.Min(math.Max(alpha, 0.05), 0.30)
	return &FECController{alpha: alpha, lastSet: InitialLossPercent}
}

// Update folds one window's loss fraction into the average.
func (c *FECController) Update(windowLoss float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	windowLoss = math.Min(math.Max(windowLoss, 0), 1)
	c.ema = (1-c.alpha)*c.ema + c.alpha*windowLoss
	c.ticks++
}

// Loss returns the smoothed loss fraction.
func (c *FECController) Loss() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ema
}

// LastSet returns the loss percentage last pushed to the encoder.
func (c *FECController) LastSet() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSet
}

// Target is the expected-loss percentage the encoder should use now.
func (c *FECController) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target()
}

func (c *FECController) target() int {
	p := int(c.ema * 100)
	p = int(math.Round(float64(p) * fecHeadroom))
	return min(max(p, MinLossPercent), MaxLossPercent)
}

// Apply retunes t when the rate limit and hysteresis allow it. It reports
// whether the encoder was changed.
func (c *FECController) Apply(t LossTuner) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t == nil || c.ticks == 0 || c.ticks%fecApplyEvery != 0 {
		return false, nil
	}
	target := c.target()
	if d := target - c.lastSet; d > -fecHysteresisPercent && d < fecHysteresisPercent {
		return false, nil
	}

	fec := target >= InbandFECThresholdPerc
	if err := t.SetInbandFEC(fec); err != nil {
		return false, err
	}
	if err := t.SetPacketLossPercent(target); err != nil {
		return false, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "FECController.Apply",
		"loss":     c.ema,
		"target":   target,
		"previous": c.lastSet,
		"inband":   fec,
	}).Info("Adaptive FEC retuned encoder")

	c.lastSet = target
	return true, nil
}
