// Package conntest provides an in-memory connection that follows the WebRTC
// signaling state machine without any transport underneath.
package conntest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrInvalidTransition = errors.New("conntest: invalid signaling transition")

// Op is one call recorded by FakeConn.
type Op struct {
	Method string
	Type   webrtc.SDPType
	Err    error
}

func (o Op) String() string {
	if o.Type == webrtc.SDPTypeUnknown {
		return o.Method
	}
	return fmt.Sprintf("%s(%s)", o.Method, o.Type)
}

// FakeConn implements the negotiation core's Conn. Its exported fields
// inject failures and must be set before the conn is used.
type FakeConn struct {
	FailSetRemote    error
	FailCreateAnswer error
	FailRollback     error
	// BeforeSetRemote runs before every SetRemoteDescription.
	BeforeSetRemote func(webrtc.SessionDescription)

	id string

	mu            sync.Mutex
	state         webrtc.SignalingState
	remote        *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	lastRemote    *webrtc.SessionDescription
	seq           int
	restarts      int
	ops           []Op
	applied       []webrtc.ICECandidateInit
	invalid       int
	closed        bool

	onCandidate func(webrtc.ICECandidateInit)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
	onNeg       func()
}

func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id, state: webrtc.SignalingStateStable}
}

func (c *FakeConn) logOp(method string, t webrtc.SDPType, err error) error {
	c.ops = append(c.ops, Op{Method: method, Type: t, Err: err})
	if errors.Is(err, ErrInvalidTransition) {
		c.invalid++
	}
	return err
}

func (c *FakeConn) invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidTransition}, args...)...)
}

func (c *FakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, c.logOp("CreateOffer", webrtc.SDPTypeOffer, errors.New("conntest: closed"))
	}
	c.seq++
	if iceRestart {
		c.restarts++
	}
	c.logOp("CreateOffer", webrtc.SDPTypeOffer, nil)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer %s %d restart=%t", c.id, c.seq, iceRestart),
	}, nil
}

func (c *FakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateAnswer != nil {
		return webrtc.SessionDescription{}, c.logOp("CreateAnswer", webrtc.SDPTypeAnswer, c.FailCreateAnswer)
	}
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, c.logOp("CreateAnswer", webrtc.SDPTypeAnswer, c.invalidf("answer in %s", c.state))
	}
	c.seq++
	c.logOp("CreateAnswer", webrtc.SDPTypeAnswer, nil)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 answer %s %d", c.id, c.seq),
	}, nil
}

func (c *FakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const m = "SetLocalDescription"
	if c.closed {
		return c.logOp(m, d.Type, errors.New("conntest: closed"))
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return c.logOp(m, d.Type, c.invalidf("local offer in %s", c.state))
		}
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return c.logOp(m, d.Type, c.invalidf("local answer in %s", c.state))
		}
		c.remote = c.pendingRemote
		c.pendingRemote = nil
		c.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if c.FailRollback != nil {
			return c.logOp(m, d.Type, c.FailRollback)
		}
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return c.logOp(m, d.Type, c.invalidf("local rollback in %s", c.state))
		}
		c.state = webrtc.SignalingStateStable
	default:
		return c.logOp(m, d.Type, c.invalidf("local %s", d.Type))
	}
	return c.logOp(m, d.Type, nil)
}

func (c *FakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	if c.BeforeSetRemote != nil {
		c.BeforeSetRemote(d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	const m = "SetRemoteDescription"
	if c.closed {
		return c.logOp(m, d.Type, errors.New("conntest: closed"))
	}
	if c.FailSetRemote != nil && d.Type != webrtc.SDPTypeRollback {
		return c.logOp(m, d.Type, c.FailSetRemote)
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return c.logOp(m, d.Type, c.invalidf("remote offer in %s", c.state))
		}
		c.pendingRemote = &d
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return c.logOp(m, d.Type, c.invalidf("remote answer in %s", c.state))
		}
		c.remote = &d
		c.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if c.FailRollback != nil {
			return c.logOp(m, d.Type, c.FailRollback)
		}
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return c.logOp(m, d.Type, c.invalidf("remote rollback in %s", c.state))
		}
		c.pendingRemote = nil
		c.state = webrtc.SignalingStateStable
	default:
		return c.logOp(m, d.Type, c.invalidf("remote %s", d.Type))
	}
	return c.logOp(m, d.Type, nil)
}

func (c *FakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRemote != nil {
		return c.pendingRemote
	}
	return c.remote
}

func (c *FakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil && c.pendingRemote == nil {
		return c.logOp("AddICECandidate", webrtc.SDPTypeUnknown, c.invalidf("candidate before remote description"))
	}
	c.applied = append(c.applied, ci)
	return c.logOp("AddICECandidate", webrtc.SDPTypeUnknown, nil)
}

func (c *FakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SignalingStateClosed
	}
	return c.state
}

func (c *FakeConn) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

func (c *FakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConn = f
}

func (c *FakeConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = f
}

func (c *FakeConn) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNeg = f
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.logOp("Close", webrtc.SDPTypeUnknown, nil)
	onConn := c.onConn
	c.mu.Unlock()
	if onConn != nil {
		onConn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

/* --------------------------------- driving --------------------------------- */

// Gather delivers a locally gathered candidate to the subscriber.
func (c *FakeConn) Gather(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(ci)
	}
}

func (c *FakeConn) SetConnectionState(st webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onConn
	c.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (c *FakeConn) SetICEState(st webrtc.ICEConnectionState) {
	c.mu.Lock()
	f := c.onICE
	c.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (c *FakeConn) NegotiationNeeded() {
	c.mu.Lock()
	f := c.onNeg
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

/* -------------------------------- inspection -------------------------------- */

func (c *FakeConn) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// Count returns how many successful calls of method with type t were made.
func (c *FakeConn) Count(method string, t webrtc.SDPType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Method == method && op.Type == t && op.Err == nil {
			n++
		}
	}
	return n
}

// Applied returns the remote candidates added, in order.
func (c *FakeConn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

// Invalid counts calls rejected because they broke the state machine.
func (c *FakeConn) Invalid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid
}

func (c *FakeConn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalDescriptionsBalanced reports whether every successful local offer
// was answered or rolled back before the next local offer was applied.
func (c *FakeConn) LocalDescriptionsBalanced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	outstanding := false
	for _, op := range c.ops {
		if op.Err != nil {
			continue
		}
		switch {
		case op.Method == "SetLocalDescription" && op.Type == webrtc.SDPTypeOffer:
			if outstanding {
				return false
			}
			outstanding = true
		case op.Method == "SetLocalDescription" && op.Type == webrtc.SDPTypeRollback,
			op.Method == "SetRemoteDescription" && op.Type == webrtc.SDPTypeAnswer:
			outstanding = false
		}
	}
	return true
}
