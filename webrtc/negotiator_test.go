package webrtc

import (
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNegotiatorValidatesConfig(t *testing.T) {
	_, err := NewNegotiator(Config{})
	assert.Error(t, err)
	_, err = NewNegotiator(Config{LocalID: "a"})
	assert.Error(t, err)
	_, err = NewNegotiator(Config{LocalID: "a", Emitter: &recorder{}})
	assert.Error(t, err)
}

func TestDispatchIgnoresSignalsForOthers(t *testing.T) {
	h := newHarness(t, Config{AcceptUnknown: true})

	other := offerFrom("V1", "v=0 offer V1 1")
	other.TargetPeerID = "V2"
	require.NoError(t, h.n.Dispatch(other))

	self := offerFrom("station", "v=0 offer self")
	require.NoError(t, h.n.Dispatch(self))

	assert.Empty(t, h.n.Sessions())
}

func TestDispatchRejectsMalformed(t *testing.T) {
	h := newHarness(t, Config{AcceptUnknown: true})

	assert.ErrorIs(t, h.n.Dispatch(Signal{Type: SignalOffer, FromPeerID: "V1", TargetPeerID: "station"}), ErrMalformedSignal)
	assert.ErrorIs(t, h.n.Dispatch(Signal{Type: SignalCandidate, FromPeerID: "V1", TargetPeerID: "station"}), ErrMalformedSignal)
	assert.ErrorIs(t, h.n.Dispatch(Signal{Type: "bye", FromPeerID: "V1", TargetPeerID: "station"}), ErrMalformedSignal)
	assert.Empty(t, h.n.Sessions())
}

func TestDispatchToUnknownPeer(t *testing.T) {
	viewer := newHarness(t, Config{})
	assert.ErrorIs(t, viewer.n.Dispatch(offerFrom("V1", "v=0 offer V1 1")), ErrUnknownPeer)
	assert.Empty(t, viewer.n.Sessions())

	station := newHarness(t, Config{AcceptUnknown: true})
	assert.ErrorIs(t, station.n.Dispatch(answerFrom("V1", "v=0 answer V1 1")), ErrStaleAnswer)
	assert.Empty(t, station.n.Sessions())
	assert.Equal(t, 1, station.journal.count("dropped"))
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, Config{AcceptUnknown: true})

	h.dispatch(t, offerFrom("V1", "v=0 offer V1 1"))
	h.dispatch(t, offerFrom("V2", "v=0 offer V2 1"))
	h.dispatch(t, offerFrom("V1", "v=0 offer V1 1"))

	infos := h.n.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "V1", infos[0].PeerID)
	assert.Equal(t, "V2", infos[1].PeerID)
	assert.Equal(t, "stable", infos[0].State)
	assert.Equal(t, "answerer", infos[1].Role)

	answers := h.rec.ofType(SignalAnswer)
	require.Len(t, answers, 2)
	assert.ElementsMatch(t, []string{"V1", "V2"}, []string{answers[0].TargetPeerID, answers[1].TargetPeerID})
}

func TestConnectReplacesSession(t *testing.T) {
	h := newHarness(t, Config{})
	first, err := h.n.Connect("V1")
	require.NoError(t, err)
	firstConn := h.conn("V1")

	second, err := h.n.Connect("V1")
	require.NoError(t, err)

	assert.True(t, firstConn.Closed())
	assert.Equal(t, StateClosed, first.State())
	assert.NotSame(t, first, second)
	assert.Same(t, second, h.n.Session("V1"))

	// The old session's close notification must not evict its replacement.
	select {
	case ev := <-h.closed:
		assert.NoError(t, ev.err)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	assert.Same(t, second, h.n.Session("V1"))
}

func TestCloseSessions(t *testing.T) {
	h := newHarness(t, Config{AcceptUnknown: true})
	h.dispatch(t, offerFrom("V1", "v=0 offer V1 1"))
	h.dispatch(t, offerFrom("V2", "v=0 offer V2 1"))

	h.n.CloseSessions()
	assert.Empty(t, h.n.Sessions())
	assert.True(t, h.conn("V1").Closed())
	assert.True(t, h.conn("V2").Closed())

	h.dispatch(t, offerFrom("V1", "v=0 offer V1 2"))
	require.Len(t, h.n.Sessions(), 1)
	require.NoError(t, h.n.CloseSession("V1"))
	assert.Empty(t, h.n.Sessions())
	assert.True(t, h.conn("V1").Closed())
	assert.Equal(t, 3, h.rec.count(SignalAnswer))
}

func TestCloseStopsEverything(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	h := newHarness(t, Config{AcceptUnknown: true})
	for _, id := range []string{"V1", "V2", "V3"} {
		require.NoError(t, h.n.Dispatch(candidateFrom(id, hostCandidate(5000, "0"))))
		require.NoError(t, h.n.Dispatch(offerFrom(id, "v=0 offer "+id)))
	}
	require.NoError(t, h.n.Close())

	assert.Empty(t, h.n.Sessions())
	for _, id := range []string{"V1", "V2", "V3"} {
		assert.True(t, h.conn(id).Closed())
	}
	assert.ErrorIs(t, h.n.Dispatch(offerFrom("V4", "v=0 offer V4")), ErrSessionClosed)
	_, err := h.n.Connect("V5")
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Close notifications run on their own goroutines.
	for i := 0; i < 3; i++ {
		<-h.closed
	}
}
