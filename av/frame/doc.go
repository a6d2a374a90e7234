// Package frame implements the voice frame wire format.
//
// Every unit sent on a circuit is a VoiceFrame:
//
//	[CALL_ID(16)][SEQUENCE(8)][DIRECTION(1)][CIRCUIT(1)][LENGTH(4)][CIPHERTEXT(LENGTH)]
//
// All integers are big-endian. The header is 30 bytes and the ciphertext
// carries the 16-byte AEAD tag. The associated data authenticated with each
// frame is the first 26 header bytes (call id, sequence, direction, circuit).
//
// AUDIO and CONTROL frames share one sequence space split by the top bit:
// CONTROL sequences have ControlSequenceFlag set. Each type keeps its own
// monotonic counter, so CONTROL traffic never leaves holes in the audio
// stream, and since the sequence is part of the AAD the type cannot be
// altered in flight.
package frame
