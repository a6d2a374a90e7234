package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPick(t *testing.T) {
	assert.Equal(t, 0.0, pick([]float64(nil), 2))
	assert.Equal(t, 0.2, pick([]float64{0.1, 0.2}, 1))
	assert.Equal(t, 0.2, pick([]float64{0.1, 0.2}, 5), "last value repeats")
}

func TestLineSignaler(t *testing.T) {
	var buf bytes.Buffer
	s := &lineSignaler{out: &buf}
	require.NoError(t, s.SendSignal(context.Background(), "bob", []byte{1, 2, 3}))
	assert.Equal(t, "SIGNAL bob "+base64.StdEncoding.EncodeToString([]byte{1, 2, 3})+"\n", buf.String())
}

func TestRunSimulation(t *testing.T) {
	var err error
	cfg, err = config.Load([]byte("[Logging]\nLevel = \"ERROR\"\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	err = runSimulation(context.Background(), &out, simulateOptions{
		duration: 1500 * time.Millisecond,
		seed:     7,
		loss:     []float64{0, 0.05},
		delay:    []time.Duration{20 * time.Millisecond},
		jitter:   []time.Duration{5 * time.Millisecond},
		gain:     0.5,
	})
	require.NoError(t, err)

	report := out.String()
	assert.Contains(t, report, "alice -> bob over 3 circuits")
	assert.Contains(t, report, "alice: ")
	assert.Contains(t, report, "bob: ")
	assert.True(t, strings.Contains(report, "frames written"))
}

func TestRunCallRejectsUnknownCodec(t *testing.T) {
	cfg = config.Default()
	require.NoError(t, cfg.FixupAndValidate())
	codec = "mp3"
	t.Cleanup(func() { codec = "" })

	err := runCall(context.Background(), strings.NewReader(""), &bytes.Buffer{}, "")
	assert.ErrorIs(t, err, audio.ErrUnknownCodec)
}
