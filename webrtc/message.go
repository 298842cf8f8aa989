package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// Signal is the body of a webrtc-signal relay message.
type Signal struct {
	Type         SignalType               `json:"type"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	FromPeerID   string                   `json:"fromPeerId"`
	TargetPeerID string                   `json:"targetPeerId"`
}

// Validate rejects signals the state machine cannot act on.
func (s Signal) Validate() error {
	if s.FromPeerID == "" || s.TargetPeerID == "" {
		return fmt.Errorf("%w: missing peer id", ErrMalformedSignal)
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, s.Type)
	}
	return nil
}

func (s Signal) description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if s.Type == SignalAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}
}
