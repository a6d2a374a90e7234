// Package telemetry aggregates per-circuit call quality and carries it to the
// peer inside encrypted CONTROL frames.
//
// Only the receiver observes lateness and loss, so each side runs a
// Collector over what it receives and periodically sends a Report back.
// The sender feeds the peer's Report to its circuit scheduler.
//
// CONTROL payload layout:
//
//	[COUNT(1)] then COUNT records of either
//	[INDEX(1)][LATE_PERMILLE(2)]                                              legacy, 3 bytes
//	[INDEX(1)][LATE(2)][MISSING(2)][CONCEALMENT(2)][FRAMES_RECEIVED(4)]       current, 11 bytes
//
// The record size is inferred from the payload length. Encoders always write
// the current record; decoders accept both.
package telemetry
