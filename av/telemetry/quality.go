package telemetry

import (
	"fmt"
	"math"
	"time"
)

// QualityLevel is a coarse call quality rating derived from the estimated MOS.
type QualityLevel int

const (
	// QualityExcellent indicates optimal call quality
	QualityExcellent QualityLevel = iota
	// QualityGood indicates good call quality with minor issues
	QualityGood
	// QualityFair indicates acceptable call quality with noticeable issues
	QualityFair
	// QualityPoor indicates poor call quality with significant problems
	QualityPoor
	// QualityUnacceptable indicates unacceptable call quality
	QualityUnacceptable
)

// String returns the string representation of QualityLevel.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// LevelForMOS maps a mean opinion score to a QualityLevel.
func LevelForMOS(mos float64) QualityLevel {
	switch {
	case mos >= 4.0:
		return QualityExcellent
	case mos >= 3.6:
		return QualityGood
	case mos >= 3.1:
		return QualityFair
	case mos >= 2.6:
		return QualityPoor
	default:
		return QualityUnacceptable
	}
}

// QualitySample is the input to quality estimation.
type QualitySample struct {
	RTT         time.Duration
	Jitter      time.Duration
	LossPercent float64
	CodecDelay  time.Duration
}

// OneWayDelay is the mouth-to-ear delay implied by the sample: half the
// round trip, the codec delay and a jitter buffer of twice the jitter.
func (s QualitySample) OneWayDelay() time.Duration {
	return s.RTT/2 + s.CodecDelay + 2*s.Jitter
}

// EstimateMOS estimates the mean opinion score (1 to 5) using a simplified
// ITU-T G.107 E-model tuned for Opus with in-band FEC.
func EstimateMOS(s QualitySample) float64 {
	d := float64(s.OneWayDelay()) / float64(time.Millisecond)

	delayImpairment := 0.024 * d
	if d > 177.3 {
		delayImpairment += 0.11 * (d - 177.3)
	}

	// Opus has negligible intrinsic impairment; Bpl reflects FEC robustness.
	const bpl = 25.0
	loss := math.Max(0, math.Min(100, s.LossPercent))
	lossImpairment := 95.0 * loss / (loss + bpl)

	r := math.Max(0, math.Min(100, 93.2-delayImpairment-lossImpairment))
	if r < 6.5 {
		return 1.0
	}
	mos := 1 + 0.035*r + r*(r-60)*(100-r)*7.0e-6
	return math.Max(1, math.Min(5, mos))
}

// QualityThresholds are the pass/fail limits for a call.
type QualityThresholds struct {
	MaxOneWayLatency time.Duration
	MaxJitter        time.Duration
	MaxPacketLoss    float64 // percent
	MinMOS           float64
}

// TorQualityThresholds returns limits that tolerate onion routing overhead.
func TorQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxOneWayLatency: 500 * time.Millisecond,
		MaxJitter:        100 * time.Millisecond,
		MaxPacketLoss:    10,
		MinMOS:           2.5,
	}
}

// StrictQualityThresholds returns limits for good direct connections.
func StrictQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxOneWayLatency: 300 * time.Millisecond,
		MaxJitter:        50 * time.Millisecond,
		MaxPacketLoss:    3,
		MinMOS:           3.5,
	}
}

// Assessment is the result of evaluating a sample against thresholds.
type Assessment struct {
	MOS    float64
	Level  QualityLevel
	Pass   bool
	Issues []string
}

// Evaluate scores a sample and lists every threshold it violates.
func (t QualityThresholds) Evaluate(s QualitySample) Assessment {
	mos := EstimateMOS(s)
	a := Assessment{MOS: mos, Level: LevelForMOS(mos)}

	if d := s.OneWayDelay(); d > t.MaxOneWayLatency {
		a.Issues = append(a.Issues, fmt.Sprintf("one-way latency too high: %v (max %v)", d, t.MaxOneWayLatency))
	}
	if s.Jitter > t.MaxJitter {
		a.Issues = append(a.Issues, fmt.Sprintf("jitter too high: %v (max %v)", s.Jitter, t.MaxJitter))
	}
	if s.LossPercent > t.MaxPacketLoss {
		a.Issues = append(a.Issues, fmt.Sprintf("packet loss too high: %.1f%% (max %.1f%%)", s.LossPercent, t.MaxPacketLoss))
	}
	if mos < t.MinMOS {
		a.Issues = append(a.Issues, fmt.Sprintf("MOS too low: %.2f (min %.2f)", mos, t.MinMOS))
	}
	a.Pass = len(a.Issues) == 0
	return a
}

// LossPercent derives the peer-observed loss of a report: the mean of the
// late and missing rates over circuits that carried traffic. Unknown missing
// fields are ignored.
func LossPercent(r Report) float64 {
	var (
		sum   float64
		count int
	)
	for _, c := range r.Circuits {
		if c.Extended && c.FramesReceived == 0 {
			continue
		}
		bad := float64(c.LatePermille)
		if c.MissingPermille != MissingUnknown {
			bad += float64(c.MissingPermille)
		}
		sum += math.Min(bad, 1000)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count) / 10
}
