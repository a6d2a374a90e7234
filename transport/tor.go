package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Tor transport defaults.
const (
	DefaultSOCKSAddr    = "127.0.0.1:9050"
	DefaultVoicePort    = 9152
	DefaultDialTimeout  = 60 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	defaultInboundCap   = 256
)

// TorConfig configures a TorTransport.
type TorConfig struct {
	// SOCKSAddr is the Tor client's SOCKS5 listener.
	SOCKSAddr string
	// VoicePort is the peer's voice hidden service port, used when the peer
	// address carries none.
	VoicePort        int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// InboundCapacity bounds the Inbound channel. Frames arriving while it
	// is full are dropped.
	InboundCapacity int
}

func (c *TorConfig) setDefaults() {
	if c.SOCKSAddr == "" {
		c.SOCKSAddr = DefaultSOCKSAddr
	}
	if c.VoicePort == 0 {
		c.VoicePort = DefaultVoicePort
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = defaultInboundCap
	}
}

// IsolationAuth returns the SOCKS5 credentials that pin a stream to its own
// Tor circuit. Tor builds a separate path for every distinct username, so a
// new epoch forces a new path for the same circuit index.
func IsolationAuth(callID crypto.CallID, circuit int, epoch uint64) *proxy.Auth {
	return &proxy.Auth{
		User:     fmt.Sprintf("call:%s:c:%d:r:%d", callID, circuit, epoch),
		Password: "x",
	}
}

// dialFunc opens a raw stream to addr with the given isolation credentials.
type dialFunc func(ctx context.Context, addr string, auth *proxy.Auth) (net.Conn, error)

type torStream struct {
	mu      sync.Mutex
	conn    net.Conn
	version byte
	epoch   uint64
}

type torCall struct {
	callID  crypto.CallID
	addr    string
	streams []*torStream
}

// TorTransport runs each circuit as a separate TCP stream through the local
// Tor client, isolated with per-circuit SOCKS5 credentials. Outbound streams
// only carry our frames; the peer's frames arrive on streams it opens to our
// hidden service, accepted by Listen.
type TorTransport struct {
	cfg  TorConfig
	dial dialFunc

	mu      sync.Mutex
	calls   map[Handle]*torCall
	next    Handle
	closed  bool
	inbound chan Packet

	listeners []net.Listener
	accepted  map[net.Conn]struct{}

	dropped atomic.Uint64
}

// NewTorTransport creates a transport that dials through cfg.SOCKSAddr.
func NewTorTransport(cfg TorConfig) *TorTransport {
	cfg.setDefaults()

	logrus.WithFields(logrus.Fields{
		"function":   "NewTorTransport",
		"socks_addr": cfg.SOCKSAddr,
		"voice_port": cfg.VoicePort,
	}).Info("Creating Tor circuit transport")

	t := &TorTransport{
		cfg:      cfg,
		calls:    make(map[Handle]*torCall),
		inbound:  make(chan Packet, cfg.InboundCapacity),
		accepted: make(map[net.Conn]struct{}),
	}
	t.dial = t.dialSOCKS
	return t
}

func (t *TorTransport) dialSOCKS(ctx context.Context, addr string, auth *proxy.Auth) (net.Conn, error) {
	forward := &net.Dialer{Timeout: t.cfg.DialTimeout}
	d, err := proxy.SOCKS5("tcp", t.cfg.SOCKSAddr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("%w: socks5 dialer: %v", ErrTransport, err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

func (t *TorTransport) peerAddr(peer string) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, strconv.Itoa(t.cfg.VoicePort))
}

// Inbound implements CircuitTransport.
func (t *TorTransport) Inbound() <-chan Packet { return t.inbound }

// Dropped returns inbound frames discarded because the channel was full.
func (t *TorTransport) Dropped() uint64 { return t.dropped.Load() }

// OpenCircuits dials count isolated streams to peer and handshakes each.
func (t *TorTransport) OpenCircuits(ctx context.Context, peer string, callID crypto.CallID, count int) (Handle, error) {
	if count < 1 || count > 256 {
		return 0, fmt.Errorf("%w: %d circuits", ErrInvalidCircuit, count)
	}
	call := &torCall{
		callID:  callID,
		addr:    t.peerAddr(peer),
		streams: make([]*torStream, count),
	}

	logrus.WithFields(logrus.Fields{
		"function": "TorTransport.OpenCircuits",
		"call_id":  callID.Short(),
		"circuits": count,
	}).Info("Opening circuits")

	for i := range call.streams {
		s, err := t.openStream(ctx, call, i, 0)
		if err != nil {
			for _, prev := range call.streams[:i] {
				prev.conn.Close()
			}
			return 0, err
		}
		call.streams[i] = s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		for _, s := range call.streams {
			s.conn.Close()
		}
		return 0, ErrClosed
	}
	t.next++
	t.calls[t.next] = call
	return t.next, nil
}

func (t *TorTransport) openStream(ctx context.Context, call *torCall, circuit int, epoch uint64) (*torStream, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.dial(ctx, call.addr, IsolationAuth(call.callID, circuit, epoch))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TorTransport.openStream",
			"call_id":  call.callID.Short(),
			"circuit":  circuit,
			"epoch":    epoch,
			"error":    err.Error(),
		}).Warn("Circuit dial failed")
		return nil, fmt.Errorf("%w: dial circuit %d: %v", ErrTransport, circuit, err)
	}

	version, err := ClientHandshake(conn, Hello{
		CallID:  call.callID,
		Version: CurrentProtocolVersion,
		Circuit: uint8(circuit),
	}, t.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &torStream{conn: conn, version: version, epoch: epoch}, nil
}

func (t *TorTransport) stream(h Handle, circuit int) (*torStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	if circuit < 0 || circuit >= len(call.streams) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCircuit, circuit)
	}
	return call.streams[circuit], nil
}

// Send writes one frame on a circuit. A failed write closes the stream; the
// circuit stays down until rebuilt.
func (t *TorTransport) Send(h Handle, circuit int, data []byte) error {
	if err := checkPacket(data); err != nil {
		return err
	}
	s, err := t.stream(h, circuit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%w: circuit %d", ErrCircuitDown, circuit)
	}
	err = s.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err == nil {
		err = WritePacket(s.conn, data)
	} else {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err != nil {
		s.conn.Close()
		s.conn = nil
		logrus.WithFields(logrus.Fields{
			"function": "TorTransport.Send",
			"circuit":  circuit,
			"error":    err.Error(),
		}).Warn("Circuit write failed, stream closed")
		return err
	}
	return nil
}

// RebuildCircuit dials a replacement stream with epoch-specific isolation
// credentials and swaps it in.
func (t *TorTransport) RebuildCircuit(ctx context.Context, h Handle, circuit int, epoch uint64) error {
	t.mu.Lock()
	call, ok := t.calls[h]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if circuit < 0 || circuit >= len(call.streams) {
		return fmt.Errorf("%w: %d", ErrInvalidCircuit, circuit)
	}

	fresh, err := t.openStream(ctx, call, circuit, epoch)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, ok := t.calls[h]; !ok {
		t.mu.Unlock()
		fresh.conn.Close()
		return ErrUnknownHandle
	}
	s := call.streams[circuit]
	t.mu.Unlock()

	s.mu.Lock()
	old := s.conn
	s.conn, s.version, s.epoch = fresh.conn, fresh.version, epoch
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "TorTransport.RebuildCircuit",
		"call_id":  call.callID.Short(),
		"circuit":  circuit,
		"epoch":    epoch,
	}).Info("Circuit rebuilt")
	return nil
}

// CloseCircuits closes every outbound stream of h.
func (t *TorTransport) CloseCircuits(h Handle) error {
	t.mu.Lock()
	call, ok := t.calls[h]
	delete(t.calls, h)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	for _, s := range call.streams {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function": "TorTransport.CloseCircuits",
		"call_id":  call.callID.Short(),
	}).Info("Circuits closed")
	return nil
}

// Listen accepts peer circuit streams from ln, typically the local end of
// our voice hidden service. It returns when ln is closed.
func (t *TorTransport) Listen(ln net.Listener) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TorTransport.Listen",
		"addr":     ln.Addr().String(),
	}).Info("Accepting circuit streams")

	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return fmt.Errorf("%w: accept: %v", ErrTransport, err)
		}
		go t.ServeConn(conn)
	}
}

// ServeConn runs the server handshake on conn and forwards its frames to
// Inbound until the stream ends.
func (t *TorTransport) ServeConn(conn net.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.accepted[conn] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.accepted, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	hello, _, err := ServerHandshake(conn, CurrentProtocolVersion, t.cfg.HandshakeTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TorTransport.ServeConn",
			"error":    err.Error(),
		}).Warn("Rejected circuit stream")
		return
	}

	for {
		data, err := ReadPacket(conn)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TorTransport.ServeConn",
				"call_id":  hello.CallID.Short(),
				"circuit":  hello.Circuit,
				"error":    err.Error(),
			}).Debug("Circuit stream ended")
			return
		}
		t.deliver(Packet{Circuit: int(hello.Circuit), Data: data, Received: time.Now()})
	}
}

func (t *TorTransport) deliver(p Packet) {
	select {
	case t.inbound <- p:
	default:
		t.dropped.Add(1)
	}
}

// Close stops listeners and closes every stream.
func (t *TorTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := make([]Handle, 0, len(t.calls))
	for h := range t.calls {
		handles = append(handles, h)
	}
	listeners := t.listeners
	conns := make([]net.Conn, 0, len(t.accepted))
	for c := range t.accepted {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.CloseCircuits(h)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}
