package audio

import (
	"math"
	"sync"
	"sync/atomic"
)

// Source produces capture audio one frame at a time. ReadFrame fills pcm
// completely; pacing is the caller's job.
type Source interface {
	ReadFrame(pcm []int16) error
}

// Sink consumes played audio.
type Sink interface {
	WriteFrame(pcm []int16) error
}

// ToneSource generates a continuous sine wave.
type ToneSource struct {
	mu        sync.Mutex
	step      float64
	amplitude float64
	phase     float64
}

// NewToneSource creates a tone of the given frequency. amplitude is a
// fraction of full scale.
func NewToneSource(frequency, amplitude float64) *ToneSource {
	return &ToneSource{
		step:      2 * math.Pi * frequency / SampleRate,
		amplitude: math.Min(math.Max(amplitude, 0), 1) * math.MaxInt16,
	}
}

// ReadFrame fills pcm with the next samples of the tone.
func (s *ToneSource) ReadFrame(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range pcm {
		pcm[i] = int16(s.amplitude * math.Sin(s.phase))
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return nil
}

// DiscardSink drops audio and counts frames.
type DiscardSink struct {
	frames atomic.Uint64
}

// WriteFrame counts pcm.
func (s *DiscardSink) WriteFrame(_ []int16) error {
	s.frames.Add(1)
	return nil
}

// Frames returns how many frames were written.
func (s *DiscardSink) Frames() uint64 { return s.frames.Load() }

// RecordingSink keeps a copy of every frame written.
type RecordingSink struct {
	mu     sync.Mutex
	frames [][]int16
}

// WriteFrame stores a copy of pcm.
func (s *RecordingSink) WriteFrame(pcm []int16) error {
	c := make([]int16, len(pcm))
	copy(c, pcm)
	s.mu.Lock()
	s.frames = append(s.frames, c)
	s.mu.Unlock()
	return nil
}

// Frames returns the recorded frames.
func (s *RecordingSink) Frames() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int16, len(s.frames))
	copy(out, s.frames)
	return out
}
