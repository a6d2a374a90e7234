// Package jitter turns an unordered, lossy multi-circuit frame stream into a
// steady fixed-cadence audio stream.
//
// The Engine is a single-owner structure: exactly one goroutine (the Player)
// adds frames and runs ticks, so it carries no locks. Each tick yields one
// frame interval of audio that is either real, recovered from the next
// frame's redundancy, concealed, or buffering silence while the engine
// primes.
//
// The target buffer depth follows an asymmetric policy: it grows
// immediately when a frame has to be concealed and only shrinks, in small
// steps, after a stability window without loss.
//
// Example:
//
//	engine, err := jitter.NewEngine(jitter.DefaultConfig(), decoder)
//	if err != nil {
//	    return err
//	}
//	player := jitter.NewPlayer(engine, sink, jitter.PlayerOptions{})
//	go player.Run(ctx)
//	player.Enqueue(jitter.Entry{Sequence: seq, Payload: plaintext, Circuit: c})
package jitter
