package webrtc

import "github.com/pion/webrtc/v4"

// State is the negotiation state of a session as seen by the state machine.
type State int

const (
	StateStable State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// accepts reports whether a signal of type t may be handed to the state
// machine while in state s.
func (s State) accepts(t SignalType) bool {
	switch t {
	case SignalOffer:
		return s == StateStable
	case SignalAnswer:
		return s == StateHaveLocalOffer
	case SignalCandidate:
		return s != StateClosed
	}
	return false
}

// stateFromSignaling folds pion's signaling states onto State. Provisional
// answers are not used, so pranswer states count as the offer they answer.
func stateFromSignaling(s webrtc.SignalingState) State {
	switch s {
	case webrtc.SignalingStateStable:
		return StateStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return StateHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return StateClosed
	}
	return StateStable
}

// Role is the side a session played in its most recent negotiation cycle.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}
