package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	negotiationDebounce = 25 * time.Millisecond
	maxOfferRetries     = 3
)

// Emitter delivers outbound signals to the relay.
type Emitter interface {
	Emit(ctx context.Context, sig Signal) error
}

type EmitterFunc func(ctx context.Context, sig Signal) error

func (f EmitterFunc) Emit(ctx context.Context, sig Signal) error { return f(ctx, sig) }

// Journal receives negotiation events worth keeping for diagnostics.
type Journal interface {
	Record(peerID, kind, detail string)
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	PeerID         string `json:"peerId"`
	State          string `json:"state"`
	Role           string `json:"role"`
	Connection     string `json:"connection"`
	Queued         int    `json:"queued"`
	Staged         int    `json:"staged"`
	SentCandidates int    `json:"sentCandidates"`
	Restarts       int    `json:"restarts"`
}

type sessionConfig struct {
	localID       string
	peerID        string
	conn          Conn
	emit          Emitter
	answerTimeout time.Duration
	maxQueued     int
	maxStaged     int
	restart       RestartPolicy
	autoNegotiate bool
	journal       Journal
	log           logging.LeveledLogger
	onClose       func(*Session, error)
	onState       func(peerID string, st webrtc.PeerConnectionState)
}

// Session negotiates with one remote peer over one connection. A session is
// never revived: once closed, a new one must be created.
type Session struct {
	localID string
	peerID  string
	conn    Conn
	emit    Emitter
	journal Journal
	log     logging.LeveledLogger
	onClose func(*Session, error)
	onState func(string, webrtc.PeerConnectionState)

	ctx    context.Context
	cancel context.CancelFunc

	queue    *signalQueue
	sent     *candidateSet
	received *candidateSet
	staged   *candidateBuffer
	sv       *supervisor

	answerTimeout time.Duration

	mu             sync.Mutex
	state          State
	role           Role
	connState      webrtc.PeerConnectionState
	lastOffer      string
	offerPending   bool
	restartPending bool
	iceRestart     bool
	offerGen       uint64
	offerTimer     *time.Timer
	offerRetries   int
	closed         bool
	closeErr       error
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		localID:       cfg.localID,
		peerID:        cfg.peerID,
		conn:          cfg.conn,
		emit:          cfg.emit,
		journal:       cfg.journal,
		log:           cfg.log,
		onClose:       cfg.onClose,
		onState:       cfg.onState,
		ctx:           ctx,
		cancel:        cancel,
		sent:          newCandidateSet(),
		received:      newCandidateSet(),
		staged:        newCandidateBuffer(cfg.maxStaged),
		answerTimeout: cfg.answerTimeout,
		connState:     webrtc.PeerConnectionStateNew,
	}
	s.queue = newSignalQueue(cfg.peerID, cfg.maxQueued, s.handle, cfg.log)
	s.queue.onDrop = func(t task, reason string) {
		s.record("dropped", fmt.Sprintf("%s: %s", t, reason))
	}

	s.sv = newSupervisor(cfg.peerID, cfg.restart.withDefaults(), cfg.log)
	s.sv.restart = func() { _ = s.RestartICE() }
	s.sv.kick = s.queue.kick
	s.sv.giveUp = func(err error) { _ = s.close(err) }
	s.sv.record = s.record

	s.conn.OnLocalCandidate(s.sendCandidate)
	s.conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.mu.Lock()
		s.connState = st
		s.mu.Unlock()
		s.sv.connectionState(st)
		if s.onState != nil {
			s.onState(s.peerID, st)
		}
	})
	s.conn.OnICEConnectionStateChange(s.sv.iceState)
	if cfg.autoNegotiate {
		debounced := debounce.New(negotiationDebounce)
		s.conn.OnNegotiationNeeded(func() {
			debounced(func() { _ = s.Negotiate() })
		})
	}
	return s
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Conn returns the connection owned by the session.
func (s *Session) Conn() Conn { return s.conn }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the reason the session was closed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		PeerID:     s.peerID,
		State:      s.state.String(),
		Role:       s.role.String(),
		Connection: s.connState.String(),
	}
	s.mu.Unlock()
	info.Queued = s.queue.len()
	info.Staged = s.staged.len()
	info.SentCandidates = s.sent.len()
	info.Restarts = s.sv.restarts()
	return info
}

// Enqueue hands a remote signal to the session's queue.
func (s *Session) Enqueue(sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	return s.queue.enqueue(task{kind: taskSignal, sig: sig})
}

// Negotiate asks for a fresh offer. It is deferred until the session is
// stable.
func (s *Session) Negotiate() error {
	return s.queue.enqueue(task{kind: taskOffer})
}

// RestartICE asks for an offer with ICE restart semantics. Candidates
// already sent stay recorded.
func (s *Session) RestartICE() error {
	return s.queue.enqueue(task{kind: taskRestart})
}

// RecordSent reports whether c still has to be sent to the peer and marks
// it as sent.
func (s *Session) RecordSent(c webrtc.ICECandidateInit) bool {
	return s.sent.record(c)
}

// Wait blocks until no goroutine is draining the session's queue.
func (s *Session) Wait() { s.queue.wait() }

func (s *Session) Close() error { return s.close(nil) }

func (s *Session) close(reason error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = reason
	s.state = StateClosed
	s.stopOfferTimerLocked()
	s.mu.Unlock()

	if n := s.queue.close(); n > 0 {
		s.log.Debugf("[%s] discarded %d pending signals", s.peerID, n)
	}
	s.sv.stop()
	s.cancel()
	err := s.conn.Close()

	detail := "closed"
	if reason != nil {
		detail = reason.Error()
	}
	s.log.Infof("[%s] session closed: %s", s.peerID, detail)
	s.record("session-closed", detail)
	if s.onClose != nil {
		go s.onClose(s, reason)
	}
	return err
}

/* -------------------------------- dispatching ------------------------------- */

func (s *Session) handle(t task) error {
	switch t.kind {
	case taskSignal:
		switch t.sig.Type {
		case SignalOffer:
			return s.handleOffer(t.sig)
		case SignalAnswer:
			return s.handleAnswer(t.sig)
		case SignalCandidate:
			return s.handleCandidate(*t.sig.Candidate)
		}
		return fmt.Errorf("%w: %q", ErrMalformedSignal, t.sig.Type)
	case taskOffer:
		return s.createOffer(false)
	case taskRestart:
		return s.restartICE()
	case taskOfferTimeout:
		return s.offerTimedOut(t.gen)
	}
	return nil
}

// sync refreshes the cached state from the connection.
func (s *Session) sync() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateClosed
	}
	s.state = stateFromSignaling(s.conn.SignalingState())
	return s.state
}

func (s *Session) drop(sig Signal, st State, err error) error {
	s.record("dropped", fmt.Sprintf("%s in %s", sig.Type, st))
	return fmt.Errorf("%w: %s in %s", err, sig.Type, st)
}

/* ------------------------------- offer/answer ------------------------------- */

func (s *Session) handleOffer(sig Signal) error {
	st := s.sync()
	if st == StateClosed {
		return ErrSessionClosed
	}
	s.mu.Lock()
	duplicate := sig.SDP == s.lastOffer
	s.mu.Unlock()
	if duplicate {
		return s.drop(sig, st, ErrDuplicateOffer)
	}
	if !st.accepts(SignalOffer) {
		return s.drop(sig, st, ErrWrongState)
	}

	s.log.Infof("[%s] Processing SDP offer", s.peerID)
	if err := s.conn.SetRemoteDescription(sig.description()); err != nil {
		s.rollback("set remote offer")
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.mu.Lock()
	s.role = RoleAnswerer
	s.mu.Unlock()
	s.sync()
	s.flush()

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		s.rollback("create answer")
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.rollback("set local answer")
		return fmt.Errorf("set local answer: %w", err)
	}
	s.mu.Lock()
	s.lastOffer = sig.SDP
	s.mu.Unlock()
	s.sync()
	if err := s.send(Signal{Type: SignalAnswer, SDP: answer.SDP}); err != nil {
		return err
	}
	return s.resumePending()
}

func (s *Session) handleAnswer(sig Signal) error {
	st := s.sync()
	if st == StateClosed {
		return ErrSessionClosed
	}
	if !st.accepts(SignalAnswer) {
		return s.drop(sig, st, ErrStaleAnswer)
	}

	s.log.Infof("[%s] Processing SDP answer", s.peerID)
	if err := s.conn.SetRemoteDescription(sig.description()); err != nil {
		s.rollback("set remote answer")
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.mu.Lock()
	s.stopOfferTimerLocked()
	s.offerRetries = 0
	s.iceRestart = false
	s.mu.Unlock()
	s.sync()
	s.flush()
	return s.resumePending()
}

// resumePending creates an offer that was requested while the session was
// busy with another negotiation.
func (s *Session) resumePending() error {
	s.mu.Lock()
	pending, restart := s.offerPending, s.restartPending
	s.mu.Unlock()
	if !pending && !restart {
		return nil
	}
	return s.createOffer(restart)
}

func (s *Session) createOffer(restart bool) error {
	st := s.sync()
	switch st {
	case StateClosed:
		return ErrSessionClosed
	case StateStable:
	default:
		s.mu.Lock()
		if restart {
			s.restartPending = true
		} else {
			s.offerPending = true
		}
		s.mu.Unlock()
		s.log.Debugf("[%s] negotiation deferred in %s", s.peerID, st)
		return nil
	}

	offer, err := s.conn.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if s.sync() != StateStable {
		s.mu.Lock()
		if restart {
			s.restartPending = true
		} else {
			s.offerPending = true
		}
		s.mu.Unlock()
		return nil
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		s.rollback("set local offer")
		return fmt.Errorf("set local offer: %w", err)
	}

	s.mu.Lock()
	s.role = RoleOfferer
	s.offerPending = false
	s.restartPending = false
	s.iceRestart = restart
	s.armOfferTimerLocked()
	s.mu.Unlock()
	s.sync()

	if restart {
		s.log.Infof("[%s] sending ICE restart offer", s.peerID)
	} else {
		s.log.Infof("[%s] sending offer", s.peerID)
	}
	return s.send(Signal{Type: SignalOffer, SDP: offer.SDP})
}

func (s *Session) restartICE() error {
	if s.sync() == StateHaveLocalOffer {
		// An unanswered offer is superseded by the restart offer.
		s.rollback("ice restart")
	}
	if err := s.createOffer(true); err != nil {
		s.sv.restartFailed()
		return err
	}
	return nil
}

func (s *Session) armOfferTimerLocked() {
	s.stopOfferTimerLocked()
	if s.answerTimeout <= 0 {
		return
	}
	s.offerGen++
	gen := s.offerGen
	s.offerTimer = time.AfterFunc(s.answerTimeout, func() {
		_ = s.queue.enqueue(task{kind: taskOfferTimeout, gen: gen})
	})
}

func (s *Session) stopOfferTimerLocked() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

func (s *Session) offerTimedOut(gen uint64) error {
	s.mu.Lock()
	current := gen == s.offerGen
	s.mu.Unlock()
	if !current || s.sync() != StateHaveLocalOffer {
		return nil
	}

	s.mu.Lock()
	s.offerRetries++
	retries, restart := s.offerRetries, s.iceRestart
	s.mu.Unlock()
	if retries > maxOfferRetries {
		_ = s.close(ErrNoAnswer)
		return ErrNoAnswer
	}

	s.log.Warnf("[%s] no answer after %s, re-offering (%d/%d)", s.peerID, s.answerTimeout, retries, maxOfferRetries)
	s.rollback("answer timeout")
	return s.createOffer(restart)
}

// rollback returns the connection to stable. Failures are logged and
// journaled, never returned.
func (s *Session) rollback(reason string) {
	var err error
	switch st := s.sync(); st {
	case StateHaveLocalOffer:
		err = s.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	case StateHaveRemoteOffer:
		err = s.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	default:
		return
	}
	if err != nil {
		s.log.Warnf("[%s] rollback after %s failed: %v", s.peerID, reason, err)
		s.record("rollback", fmt.Sprintf("%s: %v", reason, err))
		return
	}
	s.log.Infof("[%s] rolled back after %s", s.peerID, reason)
	s.record("rollback", reason)
	s.sync()
}

/* -------------------------------- candidates -------------------------------- */

func (s *Session) handleCandidate(c webrtc.ICECandidateInit) error {
	if s.sync() == StateClosed {
		return ErrSessionClosed
	}
	key, marker := remoteKey(c), endOfCandidates(c)
	if !marker && !s.received.recordKey(key) {
		s.log.Debugf("[%s] candidate already applied", s.peerID)
		return nil
	}
	if s.conn.RemoteDescription() == nil {
		if !s.staged.stage(c) {
			// A redelivery may still land once there is room.
			if !marker {
				s.received.forget(key)
			}
			s.record("dropped", "candidate: staging buffer full")
			return fmt.Errorf("staging buffer full for %s", s.peerID)
		}
		return nil
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		s.log.Warnf("[%s] AddICECandidate err: %v", s.peerID, err)
	}
	return nil
}

// flush applies staged candidates in arrival order.
func (s *Session) flush() {
	staged := s.staged.take()
	for _, c := range staged {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.log.Warnf("[%s] AddICECandidate (staged) err: %v", s.peerID, err)
		}
	}
	if len(staged) > 0 {
		s.log.Debugf("[%s] applied %d staged candidates", s.peerID, len(staged))
	}
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if !s.sent.record(c) {
		return
	}
	if err := s.send(Signal{Type: SignalCandidate, Candidate: &c}); err != nil {
		s.log.Warnf("[%s] sending candidate: %v", s.peerID, err)
	}
}

/* ---------------------------------- helpers --------------------------------- */

func (s *Session) send(sig Signal) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	sig.FromPeerID = s.localID
	sig.TargetPeerID = s.peerID
	if err := s.emit.Emit(s.ctx, sig); err != nil {
		return fmt.Errorf("emit %s: %w", sig.Type, err)
	}
	return nil
}

func (s *Session) record(kind, detail string) {
	if s.journal != nil {
		s.journal.Record(s.peerID, kind, detail)
	}
}
