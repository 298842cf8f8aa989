package webrtc

import "github.com/pion/webrtc/v4"

// Conn is the slice of a peer connection the negotiation core drives.
// Event subscriptions replace any earlier handler for the same event.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// OnLocalCandidate delivers gathered candidates. A zero value marks the
	// end of gathering.
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(func())

	Close() error
}

// PeerConn adapts a pion PeerConnection to Conn.
type PeerConn struct {
	pc *webrtc.PeerConnection
}

func NewPeerConn(pc *webrtc.PeerConnection) *PeerConn {
	return &PeerConn{pc: pc}
}

// PeerConnection exposes the wrapped connection for media plumbing.
func (c *PeerConn) PeerConnection() *webrtc.PeerConnection { return c.pc }

func (c *PeerConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return c.pc.CreateOffer(nil)
}

func (c *PeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *PeerConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *PeerConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *PeerConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *PeerConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *PeerConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *PeerConn) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			f(webrtc.ICECandidateInit{})
			return
		}
		f(ic.ToJSON())
	})
}

func (c *PeerConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *PeerConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *PeerConn) OnNegotiationNeeded(f func()) {
	c.pc.OnNegotiationNeeded(f)
}

func (c *PeerConn) Close() error {
	return c.pc.Close()
}
