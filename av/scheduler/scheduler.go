package scheduler

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/sirupsen/logrus"
)

// RebuildRequest asks the transport to replace one circuit.
type RebuildRequest struct {
	Circuit int
	Epoch   uint64
}

// CircuitState is a snapshot of one circuit as seen by the scheduler.
type CircuitState struct {
	Index               int
	BadRate             float64 // smoothed late+missing, permille
	Weight              float64
	LatePermille        uint16
	MissingPermille     uint16
	LastReceived        uint32
	Sent                uint64 // frames sent in the current report window
	TotalSent           uint64
	TotalMissing        uint64 // sent frames the peer never received
	ConsecutiveFailures int
	PoorReports         int
	Down                bool
	Rebuilding          bool
	Epoch               uint64
	Rebuilds            int
}

type circuit struct {
	badRate     float64
	hasFeedback bool

	late, missing uint16
	lastReceived  uint32

	sent         uint64
	totalSent    uint64
	totalMissing uint64

	failures    int
	poorReports int

	rebuilding  bool
	epoch       uint64
	lastRebuild time.Time
	rebuilds    int
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	circuits []circuit
	rng      *rand.Rand
	clock    TimeProvider

	feedback bool
	next     int
	epoch    uint64
}

// New creates a scheduler. A nil source seeds a fresh PCG generator and a nil
// clock uses the wall clock.
func New(cfg Config, src rand.Source, clock TimeProvider) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if clock == nil {
		clock = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "scheduler.New",
		"circuits": cfg.Circuits,
	}).Debug("Circuit scheduler created")

	return &Scheduler{
		cfg:      cfg,
		circuits: make([]circuit, cfg.Circuits),
		rng:      rand.New(src),
		clock:    clock,
	}, nil
}

// Circuits returns the number of circuits managed.
func (s *Scheduler) Circuits() int {
	return len(s.circuits)
}

// SelectCircuit picks the circuit for the next frame.
func (s *Scheduler) SelectCircuit() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]int, 0, len(s.circuits))
	for i := range s.circuits {
		if s.usable(i) {
			eligible = append(eligible, i)
		}
	}

	if len(eligible) == 0 {
		// Everything is excluded; keep sending rather than go silent.
		return s.roundRobin(nil)
	}
	if !s.feedback {
		return s.roundRobin(eligible)
	}

	var total float64
	weights := make([]float64, len(eligible))
	for j, i := range eligible {
		weights[j] = s.weight(i)
		total += weights[j]
	}
	pick := s.rng.Float64() * total
	for j, w := range weights {
		if pick < w {
			return eligible[j]
		}
		pick -= w
	}
	return eligible[len(eligible)-1]
}

// roundRobin returns the next index from eligible, or from all circuits when
// eligible is nil.
func (s *Scheduler) roundRobin(eligible []int) int {
	n := len(s.circuits)
	for k := 0; k < n; k++ {
		i := (s.next + k) % n
		if eligible == nil || s.usable(i) {
			s.next = (i + 1) % n
			return i
		}
	}
	i := s.next
	s.next = (s.next + 1) % n
	return i
}

func (s *Scheduler) usable(i int) bool {
	c := &s.circuits[i]
	return !c.rebuilding && c.failures < s.cfg.DownAfterFailures
}

func (s *Scheduler) weight(i int) float64 {
	return 1 / (1 + s.cfg.BadRateWeight*s.circuits[i].badRate/1000)
}

// RecordSent counts a frame handed to the transport on circuit i.
func (s *Scheduler) RecordSent(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.circuits) {
		return
	}
	s.circuits[i].sent++
	s.circuits[i].totalSent++
}

// ReportSendSuccess clears a circuit's failure streak.
func (s *Scheduler) ReportSendSuccess(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.circuits) {
		return
	}
	s.circuits[i].failures = 0
}

// ReportSendFailure records a local transport failure. When the circuit has
// just gone down a rebuild is requested for it, subject to the cooldown.
func (s *Scheduler) ReportSendFailure(i int) (RebuildRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.circuits) {
		return RebuildRequest{}, false
	}
	c := &s.circuits[i]
	c.failures++
	if c.failures < s.cfg.DownAfterFailures {
		return RebuildRequest{}, false
	}
	if c.failures == s.cfg.DownAfterFailures {
		logrus.WithFields(logrus.Fields{
			"function": "Scheduler.ReportSendFailure",
			"circuit":  i,
			"failures": c.failures,
		}).Warn("Circuit marked down")
	}

	return s.requestRebuild(i)
}

// UpdateFromReceiverFeedback folds a peer report into the circuit health
// estimates and returns any rebuilds it triggers. It closes the current
// sent-frame window.
func (s *Scheduler) UpdateFromReceiverFeedback(report telemetry.Report) []RebuildRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feedback = true
	var requests []RebuildRequest

	for _, stats := range report.Circuits {
		i := int(stats.Index)
		if i >= len(s.circuits) {
			continue
		}
		c := &s.circuits[i]

		var missing uint16
		if stats.Extended && c.sent > 0 {
			missing = missingPermille(c.sent, uint64(stats.FramesReceived))
			if received := uint64(stats.FramesReceived); received < c.sent {
				c.totalMissing += c.sent - received
			}
		}
		c.late = stats.LatePermille
		c.missing = missing
		c.lastReceived = stats.FramesReceived
		c.sent = 0

		sample := float64(stats.LatePermille) + float64(missing)
		if sample > 1000 {
			sample = 1000
		}
		if c.hasFeedback {
			c.badRate = s.cfg.EMAAlpha*sample + (1-s.cfg.EMAAlpha)*c.badRate
		} else {
			c.badRate = sample
			c.hasFeedback = true
		}

		if c.rebuilding {
			continue
		}
		if c.badRate > float64(s.cfg.RebuildThresholdPermille) {
			c.poorReports++
		} else {
			c.poorReports = 0
		}
		if c.poorReports >= s.cfg.PoorReportsBeforeRebuild {
			if req, ok := s.requestRebuild(i); ok {
				requests = append(requests, req)
			}
		}
	}

	return append(requests, s.retryDown()...)
}

// retryDown requests another rebuild for every circuit that is down and not
// being rebuilt, such as one whose last rebuild failed or was held back by
// the cooldown. Must be called with s.mu held.
func (s *Scheduler) retryDown() []RebuildRequest {
	var requests []RebuildRequest
	for i := range s.circuits {
		c := &s.circuits[i]
		if c.rebuilding || c.failures < s.cfg.DownAfterFailures {
			continue
		}
		if req, ok := s.requestRebuild(i); ok {
			requests = append(requests, req)
		}
	}
	return requests
}

// requestRebuild must be called with s.mu held.
func (s *Scheduler) requestRebuild(i int) (RebuildRequest, bool) {
	c := &s.circuits[i]
	now := s.clock.Now()

	if c.rebuilding {
		return RebuildRequest{}, false
	}
	if !c.lastRebuild.IsZero() && now.Sub(c.lastRebuild) < s.cfg.RebuildCooldown {
		logrus.WithFields(logrus.Fields{
			"function": "Scheduler.requestRebuild",
			"circuit":  i,
			"since":    now.Sub(c.lastRebuild).String(),
		}).Debug("Rebuild suppressed by cooldown")
		return RebuildRequest{}, false
	}
	// Never take the last usable circuit away.
	others := 0
	for j := range s.circuits {
		if j != i && s.usable(j) {
			others++
		}
	}
	if others == 0 && s.usable(i) && len(s.circuits) > 1 {
		return RebuildRequest{}, false
	}

	s.epoch++
	c.rebuilding = true
	c.epoch = s.epoch
	c.lastRebuild = now
	c.poorReports = 0
	c.rebuilds++

	logrus.WithFields(logrus.Fields{
		"function": "Scheduler.requestRebuild",
		"circuit":  i,
		"epoch":    c.epoch,
		"bad_rate": c.badRate,
	}).Info("Requesting circuit rebuild")

	return RebuildRequest{Circuit: i, Epoch: c.epoch}, true
}

// CompleteRebuild marks a rebuild finished. Only the latest epoch issued for
// the circuit is accepted; stale completions return false and change nothing.
func (s *Scheduler) CompleteRebuild(i int, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.circuits) {
		return false
	}
	c := &s.circuits[i]
	if !c.rebuilding || epoch != c.epoch {
		logrus.WithFields(logrus.Fields{
			"function":      "Scheduler.CompleteRebuild",
			"circuit":       i,
			"epoch":         epoch,
			"current_epoch": c.epoch,
		}).Debug("Ignoring stale rebuild completion")
		return false
	}

	c.rebuilding = false
	c.failures = 0
	c.badRate = 0
	c.hasFeedback = false
	c.poorReports = 0
	c.sent = 0
	return true
}

// AbortRebuild releases a circuit whose rebuild failed so it can be retried
// after the cooldown. Stale epochs are ignored.
func (s *Scheduler) AbortRebuild(i int, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.circuits) {
		return false
	}
	c := &s.circuits[i]
	if !c.rebuilding || epoch != c.epoch {
		return false
	}
	c.rebuilding = false
	return true
}

// Snapshot returns the state of every circuit.
func (s *Scheduler) Snapshot() []CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CircuitState, len(s.circuits))
	for i := range s.circuits {
		c := &s.circuits[i]
		out[i] = CircuitState{
			Index:               i,
			BadRate:             c.badRate,
			Weight:              s.weight(i),
			LatePermille:        c.late,
			MissingPermille:     c.missing,
			LastReceived:        c.lastReceived,
			Sent:                c.sent,
			TotalSent:           c.totalSent,
			TotalMissing:        c.totalMissing,
			ConsecutiveFailures: c.failures,
			PoorReports:         c.poorReports,
			Down:                c.failures >= s.cfg.DownAfterFailures,
			Rebuilding:          c.rebuilding,
			Epoch:               c.epoch,
			Rebuilds:            c.rebuilds,
		}
	}
	return out
}

// missingPermille is 1 - received/sent in thousandths, floored at zero.
func missingPermille(sent, received uint64) uint16 {
	if sent == 0 || received >= sent {
		return 0
	}
	return uint16((sent - received) * 1000 / sent)
}
