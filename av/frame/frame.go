package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// HeaderSize is the fixed VoiceFrame header length.
	HeaderSize = crypto.CallIDSize + 8 + 1 + 1 + 4

	// AADSize is the associated data length: call id, sequence, direction, circuit.
	AADSize = crypto.CallIDSize + 8 + 1 + 1

	// MaxPayloadSize bounds the declared ciphertext length. A 20 ms Opus
	// frame plus redundancy and tag is far below this.
	MaxPayloadSize = 4096

	// ControlSequenceFlag marks a CONTROL frame sequence number.
	ControlSequenceFlag uint64 = 1 << 63
)

// Direction values carried in the header.
const (
	DirectionCaller = crypto.DirectionCaller
	DirectionCallee = crypto.DirectionCallee
)

// PacketType distinguishes audio from telemetry frames.
type PacketType uint8

const (
	// PacketAudio carries encoded audio with redundancy.
	PacketAudio PacketType = iota
	// PacketControl carries quality telemetry.
	PacketControl
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketAudio:
		return "AUDIO"
	case PacketControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Frame is one VoiceFrame as carried on a circuit.
type Frame struct {
	CallID    crypto.CallID
	Sequence  uint64
	Direction byte
	Circuit   uint8
	Payload   []byte // ciphertext + tag
}

// Type reports whether the frame is AUDIO or CONTROL.
func (f *Frame) Type() PacketType {
	if IsControl(f.Sequence) {
		return PacketControl
	}
	return PacketAudio
}

// IsControl reports whether seq belongs to the CONTROL sequence space.
func IsControl(seq uint64) bool {
	return seq&ControlSequenceFlag != 0
}

// ControlSequence maps the n-th CONTROL frame to its wire sequence.
func ControlSequence(n uint64) uint64 {
	return n | ControlSequenceFlag
}

// Counter returns the per-type counter value of a wire sequence.
func Counter(seq uint64) uint64 {
	return seq &^ ControlSequenceFlag
}

// Encode serializes a frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrNilFrame
	}
	if len(f.Payload) > MaxPayloadSize {
		logrus.WithFields(logrus.Fields{
			"function":     "Encode",
			"payload_size": len(f.Payload),
			"max_size":     MaxPayloadSize,
		}).Warn("Refusing to encode oversized frame")
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	data := make([]byte, HeaderSize+len(f.Payload))
	copy(data[0:16], f.CallID[:])
	binary.BigEndian.PutUint64(data[16:24], f.Sequence)
	data[24] = f.Direction
	data[25] = f.Circuit
	binary.BigEndian.PutUint32(data[26:30], uint32(len(f.Payload)))
	copy(data[HeaderSize:], f.Payload)

	return data, nil
}

// Decode parses a frame. The declared length is checked against
// MaxPayloadSize and the bytes present before any allocation.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	declared := binary.BigEndian.Uint32(data[26:30])
	if declared > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, declared)
	}
	if int(declared) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, declared, len(data)-HeaderSize)
	}

	f := &Frame{
		Sequence:  binary.BigEndian.Uint64(data[16:24]),
		Direction: data[24],
		Circuit:   data[25],
		Payload:   make([]byte, declared),
	}
	copy(f.CallID[:], data[0:16])
	copy(f.Payload, data[HeaderSize:])

	return f, nil
}

// PeekCallID extracts the call id without decoding the rest of the frame.
func PeekCallID(data []byte) (crypto.CallID, error) {
	if len(data) < HeaderSize {
		return crypto.CallID{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	var id crypto.CallID
	copy(id[:], data[0:16])
	return id, nil
}

// BuildAAD returns the associated data authenticated with a frame.
func BuildAAD(callID crypto.CallID, seq uint64, direction byte, circuit uint8) [AADSize]byte {
	var aad [AADSize]byte
	copy(aad[0:16], callID[:])
	binary.BigEndian.PutUint64(aad[16:24], seq)
	aad[24] = direction
	aad[25] = circuit
	return aad
}

// ReceiveAAD builds the AAD for an inbound frame. The sender used its own
// direction, which is the opposite of the receiver's send direction.
func ReceiveAAD(callID crypto.CallID, seq uint64, ownSendDirection byte, circuit uint8) [AADSize]byte {
	return BuildAAD(callID, seq, ownSendDirection^1, circuit)
}

// AAD returns the associated data of a decoded frame.
func (f *Frame) AAD() [AADSize]byte {
	return BuildAAD(f.CallID, f.Sequence, f.Direction, f.Circuit)
}
