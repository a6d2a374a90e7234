package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{{1}, bytes.Repeat([]byte{0xAB}, 300), make([]byte, MaxPacketSize)}
	for _, f := range frames {
		require.NoError(t, WritePacket(&buf, f))
	}
	for _, f := range frames {
		got, err := ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := ReadPacket(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestPacketErrors(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WritePacket(&buf, nil), ErrEmptyPacket)
	assert.ErrorIs(t, WritePacket(&buf, make([]byte, MaxPacketSize+1)), ErrPacketTooLarge)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"zero length", []byte{0, 0}, ErrEmptyPacket},
		{"truncated length", []byte{0}, ErrTransport},
		{"truncated body", []byte{0, 5, 1, 2}, ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPacket(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
