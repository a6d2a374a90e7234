package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxPacketSize is the largest frame a stream can carry.
const MaxPacketSize = math.MaxUint16

// WritePacket writes data with a big-endian u16 length prefix in a single
// write, so concurrent writers on a locked stream never interleave.
func WritePacket(w io.Writer, data []byte) error {
	if err := checkPacket(data); err != nil {
		return err
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// ReadPacket reads one length-prefixed frame. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadPacket(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length: %v", ErrTransport, err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, ErrEmptyPacket
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: reading %d byte packet: %v", ErrTransport, n, err)
	}
	return data, nil
}

func checkPacket(data []byte) error {
	switch {
	case len(data) == 0:
		return ErrEmptyPacket
	case len(data) > MaxPacketSize:
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}
	return nil
}
