package jitter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]int16
}

func (s *recordingSink) WriteFrame(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, pcm)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type recordingObserver struct {
	mu      sync.Mutex
	added   map[AddResult]int
	outputs []Output
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{added: make(map[AddResult]int)}
}

func (o *recordingObserver) FrameAdded(_ Entry, r AddResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added[r]++
}

func (o *recordingObserver) FrameOutput(out Output) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs = append(o.outputs, out)
}

func (o *recordingObserver) played() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var seqs []uint64
	for _, out := range o.outputs {
		if out.Kind == OutputPlayed || out.Kind == OutputRecovered {
			seqs = append(seqs, out.Sequence)
		}
	}
	return seqs
}

func fastConfig() Config {
	return Config{
		FrameInterval:   10 * time.Millisecond,
		SamplesPerFrame: 4,
		InitialTargetMs: 30,
		MinTargetMs:     20,
		MaxTargetMs:     100,
		GrowStepMs:      10,
		ShrinkStepMs:    10,
		ShrinkInterval:  time.Second,
		StabilityWindow: 2 * time.Second,
		ReorderGrace:    3 * time.Millisecond,
		FECGrace:        2 * time.Millisecond,
		ResyncThreshold: 3,
		MaxDepthFrames:  20,
	}
}

func TestPlayerPlaysEnqueuedFramesInOrder(t *testing.T) {
	cfg := fastConfig()
	e := newTestEngine(t, cfg)
	sink := &recordingSink{}
	obs := newRecordingObserver()
	p := NewPlayer(e, sink, PlayerOptions{Observer: obs})

	// Reverse order, with one duplicate.
	for s := 11; s >= 0; s-- {
		require.True(t, p.Enqueue(audioEntry(t, uint64(s), uint8(s%3))))
	}
	require.True(t, p.Enqueue(audioEntry(t, 4, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(obs.played()) >= 12 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() >= 12 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("player did not stop")
	}

	played := obs.played()
	for i := 0; i < 12; i++ {
		assert.Equal(t, uint64(i), played[i])
	}
	assert.Equal(t, 1, obs.added[AddDuplicate])
	assert.Positive(t, p.Ticks())
	assert.Equal(t, uint64(12), p.Stats().Played)
}

func TestPlayerEnqueueDropsWhenFull(t *testing.T) {
	e := newTestEngine(t, fastConfig())
	p := NewPlayer(e, nil, PlayerOptions{InboundCapacity: 2})

	assert.True(t, p.Enqueue(audioEntry(t, 0, 0)))
	assert.True(t, p.Enqueue(audioEntry(t, 1, 0)))
	assert.False(t, p.Enqueue(audioEntry(t, 2, 0)))

	inbound, pcm := p.Dropped()
	assert.Equal(t, uint64(1), inbound)
	assert.Zero(t, pcm)
}

func TestPlayerPublishDropsOldestPCM(t *testing.T) {
	e := newTestEngine(t, fastConfig())
	p := NewPlayer(e, nil, PlayerOptions{SinkCapacity: 1})

	p.publish(Output{PCM: []int16{1}})
	p.publish(Output{PCM: []int16{2}})

	_, dropped := p.Dropped()
	assert.Equal(t, uint64(1), dropped)
	assert.Equal(t, []int16{2}, <-p.pcm)
}

func TestPlayerTickCadence(t *testing.T) {
	cfg := fastConfig()
	e := newTestEngine(t, cfg)
	p := NewPlayer(e, nil, PlayerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 205*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	// Twenty intervals fit in the window; scheduling noise may cost one or two.
	ticks := p.Ticks()
	assert.GreaterOrEqual(t, ticks, uint64(15))
	assert.LessOrEqual(t, ticks, uint64(21))
}
