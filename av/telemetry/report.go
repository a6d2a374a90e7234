package telemetry

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DefaultInterval is how often a Report is sent to the peer.
	DefaultInterval = 500 * time.Millisecond

	// RecordSize is the current per-circuit record length.
	RecordSize = 11

	// LegacyRecordSize is the older record carrying only the late rate.
	LegacyRecordSize = 3

	// MissingUnknown is written by the receiver in the missing field; the
	// sender derives the missing rate from its own sent counters.
	MissingUnknown uint16 = 0xFFFF

	maxCircuits = 255
)

// CircuitStats is one circuit's record in a Report. Rates are in permille.
type CircuitStats struct {
	Index               uint8
	LatePermille        uint16
	MissingPermille     uint16
	ConcealmentPermille uint16
	FramesReceived      uint32

	// Extended is false for records decoded from the legacy layout, in which
	// case only Index and LatePermille are meaningful.
	Extended bool
}

// Report is one telemetry window as exchanged between peers.
type Report struct {
	Circuits []CircuitStats
}

// Circuit returns the record for a circuit index.
func (r Report) Circuit(index uint8) (CircuitStats, bool) {
	for _, c := range r.Circuits {
		if c.Index == index {
			return c, true
		}
	}
	return CircuitStats{}, false
}

// EncodeReport serializes a report using the current record layout.
func EncodeReport(r Report) ([]byte, error) {
	if len(r.Circuits) > maxCircuits {
		return nil, fmt.Errorf("%w: %d", ErrTooManyCircuits, len(r.Circuits))
	}

	data := make([]byte, 1+len(r.Circuits)*RecordSize)
	data[0] = byte(len(r.Circuits))
	for i, c := range r.Circuits {
		rec := data[1+i*RecordSize : 1+(i+1)*RecordSize]
		rec[0] = c.Index
		binary.BigEndian.PutUint16(rec[1:3], c.LatePermille)
		binary.BigEndian.PutUint16(rec[3:5], c.MissingPermille)
		binary.BigEndian.PutUint16(rec[5:7], c.ConcealmentPermille)
		binary.BigEndian.PutUint32(rec[7:11], c.FramesReceived)
	}
	return data, nil
}

// DecodeReport parses a CONTROL payload in either record layout.
func DecodeReport(data []byte) (Report, error) {
	if len(data) < 1 {
		return Report{}, fmt.Errorf("%w: empty payload", ErrMalformedReport)
	}

	count := int(data[0])
	body := data[1:]

	switch {
	case count == 0 && len(body) == 0:
		return Report{}, nil
	case len(body) == count*RecordSize:
		r := Report{Circuits: make([]CircuitStats, count)}
		for i := range r.Circuits {
			rec := body[i*RecordSize : (i+1)*RecordSize]
			r.Circuits[i] = CircuitStats{
				Index:               rec[0],
				LatePermille:        binary.BigEndian.Uint16(rec[1:3]),
				MissingPermille:     binary.BigEndian.Uint16(rec[3:5]),
				ConcealmentPermille: binary.BigEndian.Uint16(rec[5:7]),
				FramesReceived:      binary.BigEndian.Uint32(rec[7:11]),
				Extended:            true,
			}
		}
		return r, nil
	case len(body) == count*LegacyRecordSize:
		r := Report{Circuits: make([]CircuitStats, count)}
		for i := range r.Circuits {
			rec := body[i*LegacyRecordSize : (i+1)*LegacyRecordSize]
			r.Circuits[i] = CircuitStats{
				Index:           rec[0],
				LatePermille:    binary.BigEndian.Uint16(rec[1:3]),
				MissingPermille: MissingUnknown,
			}
		}
		return r, nil
	default:
		return Report{}, fmt.Errorf("%w: %d circuits in %d bytes", ErrMalformedReport, count, len(body))
	}
}

// permille returns part/total in thousandths, clamped to 1000.
func permille(part, total uint64) uint16 {
	if total == 0 {
		return 0
	}
	v := part * 1000 / total
	if v > 1000 {
		v = 1000
	}
	return uint16(v)
}
