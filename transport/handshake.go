package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

// Stream protocol versions. Version 2 carries circuit-tagged frames.
const (
	ProtocolVersion1       byte = 1
	ProtocolVersion2       byte = 2
	CurrentProtocolVersion      = ProtocolVersion2

	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	helloMagic = []byte("HELLO")
	okMagic    = []byte("OK")
)

const (
	helloSize = crypto.CallIDSize + 5 + 3
	okSize    = 2 + 2
)

// Hello opens every circuit stream.
type Hello struct {
	CallID  crypto.CallID
	Version byte
	Flags   byte
	Circuit uint8
}

func (h Hello) marshal() []byte {
	b := make([]byte, 0, helloSize)
	b = append(b, h.CallID[:]...)
	b = append(b, helloMagic...)
	return append(b, h.Version, h.Flags, h.Circuit)
}

func parseHello(b []byte) (Hello, error) {
	var h Hello
	if len(b) != helloSize || !bytes.Equal(b[crypto.CallIDSize:crypto.CallIDSize+5], helloMagic) {
		return h, fmt.Errorf("%w: bad HELLO", ErrHandshake)
	}
	copy(h.CallID[:], b)
	h.Version = b[helloSize-3]
	h.Flags = b[helloSize-2]
	h.Circuit = b[helloSize-1]
	if h.Version == 0 {
		return h, fmt.Errorf("%w: version 0", ErrHandshake)
	}
	return h, nil
}

// NegotiateVersion picks the highest version both sides speak.
func NegotiateVersion(offered, supported byte) byte {
	return min(offered, supported)
}

// ClientHandshake sends HELLO and waits for OK. It returns the version the
// server chose.
func ClientHandshake(conn net.Conn, hello Hello, timeout time.Duration) (byte, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(hello.marshal()); err != nil {
		return 0, fmt.Errorf("%w: writing HELLO: %v", ErrHandshake, err)
	}

	var resp [okSize]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return 0, fmt.Errorf("%w: reading OK: %v", ErrHandshake, err)
	}
	if !bytes.Equal(resp[:2], okMagic) {
		return 0, fmt.Errorf("%w: expected OK, got %q", ErrHandshake, resp[:2])
	}
	version := resp[2]
	if version == 0 || version > hello.Version {
		return 0, fmt.Errorf("%w: server chose version %d, offered %d", ErrHandshake, version, hello.Version)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ClientHandshake",
		"call_id":  hello.CallID.Short(),
		"circuit":  hello.Circuit,
		"version":  version,
	}).Debug("Circuit handshake complete")

	return version, nil
}

// ServerHandshake reads HELLO, answers OK with the negotiated version and
// returns the peer's hello.
func ServerHandshake(conn net.Conn, supported byte, timeout time.Duration) (Hello, byte, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Hello{}, 0, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer conn.SetDeadline(time.Time{})

	buf := make([]byte, helloSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return Hello{}, 0, fmt.Errorf("%w: reading HELLO: %v", ErrHandshake, err)
	}
	hello, err := parseHello(buf)
	if err != nil {
		return Hello{}, 0, err
	}

	version := NegotiateVersion(hello.Version, supported)
	if _, err := conn.Write(append(append([]byte{}, okMagic...), version, 0)); err != nil {
		return Hello{}, 0, fmt.Errorf("%w: writing OK: %v", ErrHandshake, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "ServerHandshake",
		"call_id":         hello.CallID.Short(),
		"circuit":         hello.Circuit,
		"offered_version": hello.Version,
		"version":         version,
	}).Debug("Accepted circuit handshake")

	return hello, version, nil
}
