package webrtc

import "errors"

var (
	ErrWrongState        = errors.New("webrtc: signal not valid in current signaling state")
	ErrStaleAnswer       = errors.New("webrtc: answer received without an outstanding offer")
	ErrDuplicateOffer    = errors.New("webrtc: offer already applied")
	ErrSessionClosed     = errors.New("webrtc: session closed")
	ErrRecoveryExhausted = errors.New("webrtc: connection recovery exhausted")
	ErrNoAnswer          = errors.New("webrtc: offer never answered")
	ErrMalformedSignal   = errors.New("webrtc: malformed signal")
	ErrQueueFull         = errors.New("webrtc: signal queue full")
	ErrUnknownPeer       = errors.New("webrtc: no session for peer")
)
