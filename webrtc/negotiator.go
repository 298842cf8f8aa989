package webrtc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultAnswerTimeout       = 10 * time.Second
	DefaultMaxQueuedSignals    = 256
	DefaultMaxStagedCandidates = 4096
)

// ConnFactory builds the connection for a new session with peerID.
type ConnFactory func(peerID string) (Conn, error)

type Config struct {
	LocalID string
	Emitter Emitter
	NewConn ConnFactory

	// AcceptUnknown opens a session for the sender of the first signal
	// from a peer without one. Answers never open sessions.
	AcceptUnknown bool

	// AutoNegotiate offers whenever the connection reports that
	// negotiation is needed.
	AutoNegotiate bool

	Restart             RestartPolicy
	AnswerTimeout       time.Duration
	MaxQueuedSignals    int
	MaxStagedCandidates int

	Journal       Journal
	LoggerFactory logging.LoggerFactory

	OnSessionClosed   func(peerID string, err error)
	OnConnectionState func(peerID string, st webrtc.PeerConnectionState)
}

// Negotiator keeps one Session per remote peer and routes signals to them.
type Negotiator struct {
	cfg Config
	log logging.LeveledLogger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewNegotiator(cfg Config) (*Negotiator, error) {
	switch {
	case cfg.LocalID == "":
		return nil, errors.New("webrtc: local id required")
	case cfg.Emitter == nil:
		return nil, errors.New("webrtc: emitter required")
	case cfg.NewConn == nil:
		return nil, errors.New("webrtc: connection factory required")
	}
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.MaxQueuedSignals <= 0 {
		cfg.MaxQueuedSignals = DefaultMaxQueuedSignals
	}
	if cfg.MaxStagedCandidates <= 0 {
		cfg.MaxStagedCandidates = DefaultMaxStagedCandidates
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Negotiator{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("negotiation"),
		sessions: make(map[string]*Session),
	}, nil
}

func (n *Negotiator) LocalID() string { return n.cfg.LocalID }

// Dispatch routes a signal from the relay to its peer's session. Signals
// addressed to someone else are ignored.
func (n *Negotiator) Dispatch(sig Signal) error {
	if sig.TargetPeerID != n.cfg.LocalID || sig.FromPeerID == n.cfg.LocalID {
		return nil
	}
	if err := sig.Validate(); err != nil {
		n.log.Warnf("[%s] %v", sig.FromPeerID, err)
		return err
	}
	s, err := n.sessionFor(sig)
	if err != nil {
		n.log.Infof("[%s] dropping %s: %v", sig.FromPeerID, sig.Type, err)
		if n.cfg.Journal != nil {
			n.cfg.Journal.Record(sig.FromPeerID, "dropped", err.Error())
		}
		return err
	}
	return s.Enqueue(sig)
}

func (n *Negotiator) sessionFor(sig Signal) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := n.sessions[sig.FromPeerID]; ok {
		return s, nil
	}
	if !n.cfg.AcceptUnknown {
		return nil, fmt.Errorf("%w %s", ErrUnknownPeer, sig.FromPeerID)
	}
	if sig.Type == SignalAnswer {
		return nil, fmt.Errorf("%w: no session for %s", ErrStaleAnswer, sig.FromPeerID)
	}
	return n.openLocked(sig.FromPeerID)
}

// Connect opens a fresh session with peerID, closing any previous one first.
func (n *Negotiator) Connect(peerID string) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrSessionClosed
	}
	if old, ok := n.sessions[peerID]; ok {
		delete(n.sessions, peerID)
		_ = old.Close()
	}
	return n.openLocked(peerID)
}

func (n *Negotiator) openLocked(peerID string) (*Session, error) {
	conn, err := n.cfg.NewConn(peerID)
	if err != nil {
		return nil, fmt.Errorf("new connection for %s: %w", peerID, err)
	}
	s := newSession(sessionConfig{
		localID:       n.cfg.LocalID,
		peerID:        peerID,
		conn:          conn,
		emit:          n.cfg.Emitter,
		answerTimeout: n.cfg.AnswerTimeout,
		maxQueued:     n.cfg.MaxQueuedSignals,
		maxStaged:     n.cfg.MaxStagedCandidates,
		restart:       n.cfg.Restart,
		autoNegotiate: n.cfg.AutoNegotiate,
		journal:       n.cfg.Journal,
		log:           n.log,
		onClose:       n.sessionClosed,
		onState:       n.cfg.OnConnectionState,
	})
	n.sessions[peerID] = s
	n.log.Infof("[%s] session opened", peerID)
	if n.cfg.Journal != nil {
		n.cfg.Journal.Record(peerID, "session-opened", "")
	}
	return s, nil
}

func (n *Negotiator) sessionClosed(s *Session, err error) {
	n.mu.Lock()
	if cur, ok := n.sessions[s.peerID]; ok && cur == s {
		delete(n.sessions, s.peerID)
	}
	n.mu.Unlock()
	if n.cfg.OnSessionClosed != nil {
		n.cfg.OnSessionClosed(s.peerID, err)
	}
}

// Session returns the live session with peerID, or nil.
func (n *Negotiator) Session(peerID string) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[peerID]
}

func (n *Negotiator) Sessions() []SessionInfo {
	n.mu.Lock()
	list := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		list = append(list, s)
	}
	n.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RecordSent marks c as sent to peerID. It returns false when c was sent
// before or no session exists.
func (n *Negotiator) RecordSent(peerID string, c webrtc.ICECandidateInit) bool {
	s := n.Session(peerID)
	if s == nil {
		return false
	}
	return s.RecordSent(c)
}

func (n *Negotiator) CloseSession(peerID string) error {
	n.mu.Lock()
	s, ok := n.sessions[peerID]
	delete(n.sessions, peerID)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseSessions closes every session and leaves the negotiator usable.
func (n *Negotiator) CloseSessions() {
	n.mu.Lock()
	list := n.takeLocked()
	n.mu.Unlock()
	closeAll(list)
}

// Close closes every session and waits for their queues to stop.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	list := n.takeLocked()
	n.mu.Unlock()
	return closeAll(list)
}

func (n *Negotiator) takeLocked() []*Session {
	list := make([]*Session, 0, len(n.sessions))
	for id, s := range n.sessions {
		list = append(list, s)
		delete(n.sessions, id)
	}
	return list
}

func closeAll(list []*Session) error {
	var errs []error
	for _, s := range list {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range list {
		s.Wait()
	}
	return errors.Join(errs...)
}
