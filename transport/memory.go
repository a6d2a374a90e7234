package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

// LinkProfile impairs one circuit of a MemoryNetwork.
type LinkProfile struct {
	// Loss is the probability a frame is silently dropped.
	Loss float64
	// Delay is the base one-way latency.
	Delay time.Duration
	// Jitter adds a uniform random delay in [0, Jitter).
	Jitter time.Duration
}

// MemoryNetwork connects MemoryTransport endpoints in process. Every circuit
// index has its own LinkProfile, so tests can model one slow or lossy
// circuit among healthy ones.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	profiles  map[int]LinkProfile
	rng       *rand.Rand
}

// NewMemoryNetwork creates a network whose impairments are drawn from a PCG
// generator seeded with seed.
func NewMemoryNetwork(seed uint64) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		profiles:  make(map[int]LinkProfile),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetProfile sets the impairment of every frame sent on circuit.
func (n *MemoryNetwork) SetProfile(circuit int, p LinkProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.profiles[circuit] = p
}

// Endpoint returns the transport registered under name, creating it on
// first use.
func (n *MemoryNetwork) Endpoint(name string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[name]; ok {
		return ep
	}
	ep := &MemoryTransport{
		name:    name,
		network: n,
		calls:   make(map[Handle]*memoryCall),
		down:    make(map[int]bool),
		inbound: make(chan Packet, defaultInboundCap),
	}
	n.endpoints[name] = ep
	return ep
}

func (n *MemoryNetwork) lookup(name string) (*MemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[name]
	return ep, ok
}

// fate decides whether a frame on circuit is lost and how long it travels.
func (n *MemoryNetwork) fate(circuit int) (lost bool, delay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.profiles[circuit]
	if p.Loss > 0 && n.rng.Float64() < p.Loss {
		return true, 0
	}
	delay = p.Delay
	if p.Jitter > 0 {
		delay += time.Duration(n.rng.Int64N(int64(p.Jitter)))
	}
	return false, delay
}

type memoryCall struct {
	peer     *MemoryTransport
	callID   crypto.CallID
	circuits int
	epochs   []uint64
}

// MemoryTransport is an in-process CircuitTransport.
type MemoryTransport struct {
	name    string
	network *MemoryNetwork

	mu       sync.Mutex
	calls    map[Handle]*memoryCall
	down     map[int]bool
	next     Handle
	closed   bool
	rebuilds int

	inbound chan Packet
	pending sync.WaitGroup

	sent    atomic.Uint64
	lost    atomic.Uint64
	dropped atomic.Uint64
}

// Inbound implements CircuitTransport.
func (m *MemoryTransport) Inbound() <-chan Packet { return m.inbound }

// OpenCircuits implements CircuitTransport. peer is another endpoint's name.
func (m *MemoryTransport) OpenCircuits(ctx context.Context, peer string, callID crypto.CallID, count int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if count < 1 || count > 256 {
		return 0, fmt.Errorf("%w: %d circuits", ErrInvalidCircuit, count)
	}
	ep, ok := m.network.lookup(peer)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.next++
	m.calls[m.next] = &memoryCall{peer: ep, callID: callID, circuits: count, epochs: make([]uint64, count)}

	logrus.WithFields(logrus.Fields{
		"function": "MemoryTransport.OpenCircuits",
		"local":    m.name,
		"peer":     peer,
		"call_id":  callID.Short(),
		"circuits": count,
	}).Debug("Opened in-memory circuits")

	return m.next, nil
}

// Send implements CircuitTransport. Frames are copied, then dropped or
// delayed according to the circuit's LinkProfile.
func (m *MemoryTransport) Send(h Handle, circuit int, data []byte) error {
	m.mu.Lock()
	call, ok := m.calls[h]
	down := m.down[circuit]
	closed := m.closed
	m.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case !ok:
		return ErrUnknownHandle
	case circuit < 0 || circuit >= call.circuits:
		return fmt.Errorf("%w: %d", ErrInvalidCircuit, circuit)
	case down:
		return fmt.Errorf("%w: circuit %d", ErrCircuitDown, circuit)
	}
	if err := checkPacket(data); err != nil {
		return err
	}

	m.sent.Add(1)
	lost, delay := m.network.fate(circuit)
	if lost {
		m.lost.Add(1)
		return nil
	}

	p := Packet{Circuit: circuit, Data: append([]byte(nil), data...)}
	if delay <= 0 {
		call.peer.deliver(p)
		return nil
	}
	// Close waits on pending, so Add must not race with it.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending.Add(1)
	m.mu.Unlock()
	time.AfterFunc(delay, func() {
		defer m.pending.Done()
		call.peer.deliver(p)
	})
	return nil
}

func (m *MemoryTransport) deliver(p Packet) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	p.Received = time.Now()
	select {
	case m.inbound <- p:
	default:
		m.dropped.Add(1)
	}
}

// CloseCircuits implements CircuitTransport.
func (m *MemoryTransport) CloseCircuits(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, h)
	return nil
}

// RebuildCircuit implements CircuitTransport. It brings a failed circuit
// back up and records the epoch.
func (m *MemoryTransport) RebuildCircuit(ctx context.Context, h Handle, circuit int, epoch uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[h]
	if !ok {
		return ErrUnknownHandle
	}
	if circuit < 0 || circuit >= call.circuits {
		return fmt.Errorf("%w: %d", ErrInvalidCircuit, circuit)
	}
	call.epochs[circuit] = epoch
	delete(m.down, circuit)
	m.rebuilds++
	return nil
}

// SetCircuitDown makes every Send on circuit fail until the circuit is
// rebuilt or brought back up.
func (m *MemoryTransport) SetCircuitDown(circuit int, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.down[circuit] = true
	} else {
		delete(m.down, circuit)
	}
}

// Rebuilds returns how many rebuilds completed.
func (m *MemoryTransport) Rebuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilds
}

// MemoryStats counts frames seen by an endpoint.
type MemoryStats struct {
	Sent, Lost, Dropped uint64
}

// Stats returns send and delivery counters.
func (m *MemoryTransport) Stats() MemoryStats {
	return MemoryStats{Sent: m.sent.Load(), Lost: m.lost.Load(), Dropped: m.dropped.Load()}
}

// OpenCalls returns the number of handles still open.
func (m *MemoryTransport) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Close stops deliveries to this endpoint and waits for delayed frames
// already scheduled by it.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.calls = make(map[Handle]*memoryCall)
	m.mu.Unlock()
	m.pending.Wait()
	return nil
}
