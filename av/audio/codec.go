package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

const (
	// SampleRate is the only rate the engine runs at.
	SampleRate = 48000
	// DefaultSamplesPerFrame is 20 ms of mono audio at SampleRate.
	DefaultSamplesPerFrame = 960

	// maxOpusSamples covers the longest Opus packet, 120 ms at 48 kHz stereo.
	maxOpusSamples = 5760 * 2
)

// Codec names accepted by ParseCodec and NewDecoder.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// ParseCodec normalizes a codec name. The empty name selects CodecPCM.
func ParseCodec(name string) (string, error) {
	switch c := strings.ToLower(strings.TrimSpace(name)); c {
	case "":
		return CodecPCM, nil
	case CodecPCM, CodecOpus:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// NewDecoder returns a decoder for the named codec. Opus decoding covers
// SILK-only packets; there is no pure Go Opus encoder, so outbound audio is
// always PCM.
func NewDecoder(codec string, samplesPerFrame int) (Decoder, error) {
	c, err := ParseCodec(codec)
	if err != nil {
		return nil, err
	}
	if c == CodecOpus {
		return NewOpusDecoder(samplesPerFrame), nil
	}
	return NewPCMDecoder(samplesPerFrame), nil
}

// Encoder turns one frame of PCM into a payload.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns payloads back into PCM. Conceal is called in place of a
// frame that never arrived.
type Decoder interface {
	Decode(data []byte) ([]int16, error)
	Conceal() ([]int16, error)
}

// LossTuner is implemented by encoders that can trade bitrate for loss
// resilience.
type LossTuner interface {
	SetPacketLossPercent(percent int) error
	SetInbandFEC(enabled bool) error
}

// PCMEncoder emits raw 16-bit little-endian samples. It accepts loss tuning
// so the adaptive FEC path can run end to end without a native encoder.
type PCMEncoder struct {
	samples int

	mu         sync.Mutex
	lossPct    int
	inbandFEC  bool
	tuneEvents int
}

// NewPCMEncoder creates an encoder for frames of samplesPerFrame samples.
func NewPCMEncoder(samplesPerFrame int) *PCMEncoder {
	logrus.WithFields(logrus.Fields{
		"function":          "NewPCMEncoder",
		"samples_per_frame": samplesPerFrame,
	}).Debug("Creating PCM encoder")

	return &PCMEncoder{samples: samplesPerFrame}
}

// Encode serializes pcm. The frame must hold exactly the configured number of
// samples.
func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.samples {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(pcm), e.samples)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// SetPacketLossPercent records the expected loss.
func (e *PCMEncoder) SetPacketLossPercent(percent int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lossPct = percent
	e.tuneEvents++
	return nil
}

// SetInbandFEC records whether in-band FEC is requested.
func (e *PCMEncoder) SetInbandFEC(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inbandFEC = enabled
	return nil
}

// Tuning returns the last applied loss settings and how often they were set.
func (e *PCMEncoder) Tuning() (lossPercent int, inbandFEC bool, updates int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lossPct, e.inbandFEC, e.tuneEvents
}

// PCMDecoder is the counterpart of PCMEncoder.
type PCMDecoder struct {
	plc concealer
}

// NewPCMDecoder creates a decoder for frames of samplesPerFrame samples.
func NewPCMDecoder(samplesPerFrame int) *PCMDecoder {
	return &PCMDecoder{plc: concealer{samples: samplesPerFrame}}
}

// Decode parses little-endian samples.
func (d *PCMDecoder) Decode(data []byte) ([]int16, error) {
	switch {
	case len(data) == 0:
		return nil, ErrEmptyFrame
	case len(data)%2 != 0:
		return nil, ErrOddLength
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	d.plc.remember(pcm)
	return pcm, nil
}

// Conceal repeats the last decoded frame with decaying gain.
func (d *PCMDecoder) Conceal() ([]int16, error) {
	return d.plc.conceal(), nil
}

// OpusDecoder decodes Opus packets with the pure Go pion/opus decoder. The
// decoder has no native loss concealment, so Conceal fades the last frame.
type OpusDecoder struct {
	decoder opus.Decoder
	samples int
	buf     []byte
	plc     concealer
}

// NewOpusDecoder creates a decoder that returns frames of samplesPerFrame
// samples.
func NewOpusDecoder(samplesPerFrame int) *OpusDecoder {
	logrus.WithFields(logrus.Fields{
		"function":          "NewOpusDecoder",
		"samples_per_frame": samplesPerFrame,
	}).Info("Creating Opus decoder")

	return &OpusDecoder{
		decoder: opus.NewDecoder(),
		samples: samplesPerFrame,
		buf:     make([]byte, maxOpusSamples*2),
		plc:     concealer{samples: samplesPerFrame},
	}
}

// Decode decodes one Opus packet.
func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	bandwidth, isStereo, err := d.decoder.Decode(data, d.buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "OpusDecoder.Decode",
			"data_size": len(data),
			"error":     err.Error(),
		}).Debug("Opus decode failed")
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	step := 1
	if isStereo {
		// Keep the left channel.
		step = 2
	}
	pcm := make([]int16, d.samples)
	for i := range pcm {
		off := i * step * 2
		if off+1 >= len(d.buf) {
			break
		}
		pcm[i] = int16(binary.LittleEndian.Uint16(d.buf[off:]))
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpusDecoder.Decode",
		"bandwidth": bandwidth.String(),
		"stereo":    isStereo,
	}).Debug("Opus frame decoded")

	d.plc.remember(pcm)
	return pcm, nil
}

// Conceal fades out the last decoded frame.
func (d *OpusDecoder) Conceal() ([]int16, error) {
	return d.plc.conceal(), nil
}

// concealer implements repeat-and-fade loss concealment. Each consecutive
// concealment halves the gain; after maxRepeats the output is silence.
type concealer struct {
	samples int
	last    []int16
	repeats int
}

const maxRepeats = 3

func (c *concealer) remember(pcm []int16) {
	if cap(c.last) < len(pcm) {
		c.last = make([]int16, len(pcm))
	}
	c.last = c.last[:len(pcm)]
	copy(c.last, pcm)
	c.repeats = 0
}

func (c *concealer) conceal() []int16 {
	n := c.samples
	if len(c.last) > 0 {
		n = len(c.last)
	}
	out := make([]int16, n)
	if len(c.last) == 0 || c.repeats >= maxRepeats {
		return out
	}
	c.repeats++
	shift := uint(c.repeats)
	for i, s := range c.last {
		out[i] = s >> shift
	}
	return out
}
