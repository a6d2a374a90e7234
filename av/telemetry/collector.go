package telemetry

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CircuitHealth holds cumulative per-circuit counters for the whole call.
// Missing is known only on the sending side and is filled in by the caller
// from its scheduler; PLCUsed is the stream-level concealment count, since a
// concealed frame cannot be attributed to the circuit it would have used.
type CircuitHealth struct {
	Index    int
	Received uint64
	Late     uint64
	Missing  uint64
	PLCUsed  uint64
}

type circuitCounters struct {
	received uint64
	late     uint64
}

// Collector counts what the receiving side observes. One Collector serves one
// call; it is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	window []circuitCounters
	total  []circuitCounters

	played    uint64
	recovered uint64
	concealed uint64

	totalConcealed uint64
	windows        uint64
}

// NewCollector creates a collector for the given number of circuits.
func NewCollector(circuits int) *Collector {
	if circuits < 0 {
		circuits = 0
	}
	return &Collector{
		window: make([]circuitCounters, circuits),
		total:  make([]circuitCounters, circuits),
	}
}

// RecordReceived counts an authenticated frame on a circuit.
func (c *Collector) RecordReceived(circuit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if circuit < 0 || circuit >= len(c.window) {
		return
	}
	c.window[circuit].received++
	c.total[circuit].received++
}

// RecordLate counts a frame that arrived behind the playout cursor.
func (c *Collector) RecordLate(circuit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if circuit < 0 || circuit >= len(c.window) {
		return
	}
	c.window[circuit].late++
	c.total[circuit].late++
}

// RecordPlayed counts a frame played from its own payload.
func (c *Collector) RecordPlayed() {
	c.mu.Lock()
	c.played++
	c.mu.Unlock()
}

// RecordRecovered counts a frame rebuilt from redundancy.
func (c *Collector) RecordRecovered() {
	c.mu.Lock()
	c.recovered++
	c.mu.Unlock()
}

// RecordConcealment counts n frames of synthesized audio.
func (c *Collector) RecordConcealment(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.concealed += uint64(n)
	c.totalConcealed += uint64(n)
	c.mu.Unlock()
}

// Snapshot returns the current window as a Report and starts a new window.
// The missing field carries MissingUnknown.
func (c *Collector) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outputs := c.played + c.recovered + c.concealed
	concealment := permille(c.concealed, outputs)

	r := Report{Circuits: make([]CircuitStats, len(c.window))}
	for i, w := range c.window {
		r.Circuits[i] = CircuitStats{
			Index:               uint8(i),
			LatePermille:        permille(w.late, w.received),
			MissingPermille:     MissingUnknown,
			ConcealmentPermille: concealment,
			FramesReceived:      uint32(w.received),
			Extended:            true,
		}
		c.window[i] = circuitCounters{}
	}
	c.played, c.recovered, c.concealed = 0, 0, 0
	c.windows++

	logrus.WithFields(logrus.Fields{
		"function":    "Collector.Snapshot",
		"window":      c.windows,
		"circuits":    len(r.Circuits),
		"concealment": concealment,
	}).Debug("Telemetry window closed")

	return r
}

// Health returns cumulative counters for every circuit.
func (c *Collector) Health() []CircuitHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CircuitHealth, len(c.total))
	for i, t := range c.total {
		out[i] = CircuitHealth{
			Index:    i,
			Received: t.received,
			Late:     t.late,
			PLCUsed:  c.totalConcealed,
		}
	}
	return out
}
