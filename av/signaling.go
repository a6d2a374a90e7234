package av

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

// Call signaling travels over the messenger's store-and-forward channel,
// which may duplicate or delay messages. Every handler is idempotent.

// SignalType names a signaling message.
type SignalType string

const (
	SignalOffer  SignalType = "OFFER"
	SignalAnswer SignalType = "ANSWER"
	SignalReject SignalType = "REJECT"
	SignalBusy   SignalType = "BUSY"
	SignalEnd    SignalType = "END"
)

// maxSignalSize bounds an encoded message. Real messages are under 128 bytes.
const maxSignalSize = 1024

// maxReasonLength bounds the free-text reason.
const maxReasonLength = 256

// SignalMessage is the CBOR body of every signaling message.
type SignalMessage struct {
	Type               SignalType `cbor:"type"`
	CallID             []byte     `cbor:"callId"`
	EphemeralPublicKey []byte     `cbor:"ephemeralPublicKey,omitempty"`
	Timestamp          int64      `cbor:"timestamp"`
	Reason             string     `cbor:"reason,omitempty"`
}

// Signaler delivers encoded signaling messages to a peer. Encryption and
// delivery guarantees are the implementation's concern.
type Signaler interface {
	SendSignal(ctx context.Context, peer string, raw []byte) error
}

// SignalerFunc adapts a function to the Signaler interface.
type SignalerFunc func(ctx context.Context, peer string, raw []byte) error

// SendSignal calls f.
func (f SignalerFunc) SendSignal(ctx context.Context, peer string, raw []byte) error {
	return f(ctx, peer, raw)
}

var signalDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// newSignal builds a message stamped with the current time.
func newSignal(t SignalType, id crypto.CallID, now time.Time) SignalMessage {
	return SignalMessage{
		Type:      t,
		CallID:    append([]byte(nil), id[:]...),
		Timestamp: now.UnixMilli(),
	}
}

// ID returns the call id carried by the message.
func (m SignalMessage) ID() (crypto.CallID, error) {
	id, err := crypto.CallIDFromBytes(m.CallID)
	if err != nil {
		return crypto.CallID{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	return id, nil
}

// Validate checks the fields required by the message type.
func (m SignalMessage) Validate() error {
	if _, err := m.ID(); err != nil {
		return err
	}
	switch m.Type {
	case SignalOffer, SignalAnswer:
		if len(m.EphemeralPublicKey) != crypto.KeySize {
			return fmt.Errorf("%w: %s public key is %d bytes", ErrInvalidSignal, m.Type, len(m.EphemeralPublicKey))
		}
	case SignalReject, SignalBusy, SignalEnd:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	if len(m.Reason) > maxReasonLength {
		return fmt.Errorf("%w: reason too long", ErrInvalidSignal)
	}
	return nil
}

// EncodeSignal validates and serializes a message.
func EncodeSignal(m SignalMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s signal: %w", m.Type, err)
	}
	return raw, nil
}

// DecodeSignal parses and validates a message.
func DecodeSignal(raw []byte) (SignalMessage, error) {
	if len(raw) == 0 || len(raw) > maxSignalSize {
		return SignalMessage{}, fmt.Errorf("%w: %d bytes", ErrInvalidSignal, len(raw))
	}
	var m SignalMessage
	if err := signalDecMode.Unmarshal(raw, &m); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DecodeSignal",
			"size":     len(raw),
			"error":    err.Error(),
		}).Debug("Malformed signaling message")
		return SignalMessage{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if err := m.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return m, nil
}
