package audio

import "errors"

var (
	// ErrEmptyFrame is returned when an encoded frame carries no data.
	ErrEmptyFrame = errors.New("empty audio frame")
	// ErrOddLength is returned for PCM payloads with a dangling byte.
	ErrOddLength = errors.New("pcm payload has odd length")
	// ErrFrameSize is returned when a frame does not hold the configured
	// number of samples.
	ErrFrameSize = errors.New("unexpected audio frame size")
	// ErrInvalidGain is returned for gains outside [0, MaxGain].
	ErrInvalidGain = errors.New("invalid gain")
	// ErrUnknownCodec is returned for a codec name that is not supported.
	ErrUnknownCodec = errors.New("unknown codec")
)
