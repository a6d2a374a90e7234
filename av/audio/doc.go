// Package audio holds the codec and device adapters used by a call.
//
// The call engine consumes audio through four small interfaces:
//
//	Source.ReadFrame  → Encoder.Encode   → network
//	network           → Decoder.Decode   → Sink.WriteFrame
//
// Decoder.Conceal produces packet loss concealment audio when the jitter
// buffer has nothing to play. Encoders that support loss tuning implement
// LossTuner and are driven by an FECController fed from peer reports.
//
// Shipped implementations:
//
//   - OpusDecoder: pure Go Opus decoding through github.com/pion/opus
//   - PCMEncoder / PCMDecoder: 16-bit little-endian passthrough
//   - ToneSource: a synthetic sine wave for simulation and tests
//   - DiscardSink / RecordingSink: sinks for headless runs and tests
//   - EffectChain with GainEffect: capture-side processing
//
// Everything runs at 48 kHz mono. There is no resampling stage.
package audio
