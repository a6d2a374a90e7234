// Package scheduler chooses the circuit each outgoing frame is sent on and
// decides when a circuit should be rebuilt.
//
// Circuits are weighted by 1/(1 + k*badRate), where badRate is a smoothed
// late+missing rate reported by the peer. Until the first report arrives the
// scheduler round-robins. Circuits that are being rebuilt, or that have
// failed DownAfterFailures sends in a row, are skipped.
//
// The missing rate is computed on the sending side from the number of frames
// sent on a circuit during the report window and the FramesReceived count the
// peer reported for it.
//
// Rebuild requests carry an epoch from a scheduler-wide monotonic counter.
// Only the completion carrying a circuit's latest epoch is accepted, so a
// slow, superseded rebuild cannot mark a newer one as finished.
package scheduler
