package webrtc

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/n0remac/station-webrtc/webrtc/conntest"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var _ Conn = (*conntest.FakeConn)(nil)

func quietLogs() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	return lf
}

type recorder struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recorder) Emit(_ context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return nil
}

func (r *recorder) ofType(t SignalType) []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Signal
	for _, s := range r.sigs {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) count(t SignalType) int { return len(r.ofType(t)) }

func (r *recorder) last(t SignalType) Signal {
	sigs := r.ofType(t)
	if len(sigs) == 0 {
		return Signal{}
	}
	return sigs[len(sigs)-1]
}

type memJournal struct {
	mu     sync.Mutex
	kinds  []string
	detail []string
}

func (j *memJournal) Record(_, kind, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
	j.detail = append(j.detail, detail)
}

func (j *memJournal) count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, k := range j.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type closedEvent struct {
	peerID string
	err    error
}

type harness struct {
	n       *Negotiator
	rec     *recorder
	journal *memJournal
	closed  chan closedEvent

	mu    sync.Mutex
	conns map[string][]*conntest.FakeConn
}

// newHarness builds a negotiator for local id "station" backed by fake
// connections.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rec:     &recorder{},
		journal: &memJournal{},
		closed:  make(chan closedEvent, 16),
		conns:   make(map[string][]*conntest.FakeConn),
	}
	if cfg.LocalID == "" {
		cfg.LocalID = "station"
	}
	cfg.Emitter = h.rec
	cfg.Journal = h.journal
	cfg.LoggerFactory = quietLogs()
	cfg.NewConn = func(peerID string) (Conn, error) {
		c := conntest.NewFakeConn(peerID)
		h.mu.Lock()
		h.conns[peerID] = append(h.conns[peerID], c)
		h.mu.Unlock()
		return c, nil
	}
	cfg.OnSessionClosed = func(peerID string, err error) {
		h.closed <- closedEvent{peerID, err}
	}
	n, err := NewNegotiator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	h.n = n
	return h
}

func (h *harness) conn(peerID string) *conntest.FakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.conns[peerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// idle waits until the peer's queue has nothing left to do.
func (h *harness) idle(t *testing.T, peerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.n.Session(peerID)
		return s == nil || !s.queue.busy()
	}, 2*time.Second, 2*time.Millisecond)
}

func (h *harness) dispatch(t *testing.T, sig Signal) {
	t.Helper()
	require.NoError(t, h.n.Dispatch(sig))
	h.idle(t, sig.FromPeerID)
}

func offerFrom(peer, sdp string) Signal {
	return Signal{Type: SignalOffer, SDP: sdp, FromPeerID: peer, TargetPeerID: "station"}
}

func answerFrom(peer, sdp string) Signal {
	return Signal{Type: SignalAnswer, SDP: sdp, FromPeerID: peer, TargetPeerID: "station"}
}

func candidateFrom(peer string, c webrtc.ICECandidateInit) Signal {
	return Signal{Type: SignalCandidate, Candidate: &c, FromPeerID: peer, TargetPeerID: "station"}
}

func hostCandidate(port int, mid string) webrtc.ICECandidateInit {
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 " + strconv.Itoa(port) + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
