// Package av implements encrypted real-time voice calls over several
// anonymizing transport circuits at once.
//
// A call is a Session. It owns the per-call key set, the circuits opened
// through a transport.CircuitTransport and the media pipeline between them.
// Calls are established by a Manager exchanging OFFER and ANSWER messages
// over the messenger's signaling channel.
//
// # Architecture
//
// The av package ties together its sub-packages:
//
//   - av/frame: the VoiceFrame wire format and the AUDIO payload layout
//   - av/jitter: the jitter buffer, loss recovery and fixed-cadence playout
//   - av/scheduler: weighted circuit selection and rebuild epochs
//   - av/telemetry: per-circuit health, CONTROL reports and Prometheus metrics
//   - av/audio: codec adapters, concealment and the loss-adaptive FEC controller
//
// Outbound audio flows capture, encode, redundancy, seal, select circuit,
// send. Inbound frames are routed by call id, authenticated, filtered for
// replays and handed to the player, which decodes them on a fixed cadence.
//
// # Call States
//
// Sessions move through a fixed lifecycle:
//
//	IDLE -> CONNECTING -> (RINGING, callee only) -> ACTIVE -> ENDING -> ENDED
//
// Any failure before ACTIVE goes straight to ENDING with a reason. ENDING
// always stops the media tasks, closes the circuits and wipes every key,
// bounded by SessionConfig.TeardownTimeout.
//
// # Making Calls
//
//	mgr, err := av.NewManager(av.DefaultManagerConfig(), tr, signaler, av.ManagerOptions{})
//	if err != nil {
//	    return err
//	}
//	go mgr.Run(ctx)
//
//	session, err := mgr.PlaceCall(ctx, peerOnion)
//
//	// Feed every signaling message from the peer into the manager.
//	err = mgr.HandleSignal(ctx, peerOnion, raw)
//
// Incoming calls arrive as EventIncomingCall on Manager.Events and are
// answered with Accept or declined with Reject.
//
// # Signaling Protocol
//
// Signaling messages are CBOR maps:
//
//	{type, callId, ephemeralPublicKey?, timestamp, reason?}
//
// The channel may duplicate messages. A repeated OFFER for a ringing call is
// ignored and a repeated OFFER for an answered call gets the cached ANSWER
// again, so exactly one key set ever exists per call id.
//
// # Error Handling
//
// Errors wrapping ErrState describe signaling for unknown, foreign or
// duplicate calls and are safe to ignore. Transport, authentication and
// framing faults on individual frames are absorbed and counted; only call
// setup failure reaches the user, as an EventCallEnded with a reason.
package av
