package av

import "fmt"

// State is the lifecycle state of a call session.
type State uint32

const (
	// StateIdle is a session that has been created but not yet signalled.
	StateIdle State = iota
	// StateConnecting means an offer is outstanding or keys are being set up.
	StateConnecting
	// StateRinging means an incoming call is waiting for the local user.
	StateRinging
	// StateActive means keys are derived and media is flowing.
	StateActive
	// StateEnding means teardown is running.
	StateEnding
	// StateEnded is terminal.
	StateEnded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateRinging:
		return "RINGING"
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// transitions lists the legal next states of every state.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateEnding},
	StateConnecting: {StateRinging, StateActive, StateEnding},
	StateRinging:    {StateActive, StateEnding},
	StateActive:     {StateEnding},
	StateEnding:     {StateEnded},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role says which side of the call a session is on. It selects the send
// direction used for key derivation and the frame header.
type Role uint8

const (
	// RoleCaller placed the call.
	RoleCaller Role = iota
	// RoleCallee received the call.
	RoleCallee
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Common end reasons.
const (
	ReasonNoAnswer       = "no answer"
	ReasonLocalHangup    = "local hangup"
	ReasonRemoteHangup   = "remote hangup"
	ReasonRejected       = "rejected"
	ReasonBusy           = "busy"
	ReasonShutdown       = "shutdown"
	ReasonSetupFailed    = "call setup failed"
	ReasonMediaFailure   = "media failure"
	ReasonSignalingError = "signaling failed"
)
