package station

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0remac/station-webrtc/media"
	"github.com/n0remac/station-webrtc/relay"
	rtc "github.com/n0remac/station-webrtc/webrtc"
	"github.com/n0remac/station-webrtc/webrtc/conntest"
	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

func quietLogs() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	return lf
}

// keyframeConn counts keyframe requests on a fake viewer connection.
type keyframeConn struct {
	*conntest.FakeConn
	keyframes atomic.Int32
}

func (c *keyframeConn) RequestKeyframe() error {
	c.keyframes.Add(1)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	station map[string][]*conntest.FakeConn
	viewer  map[string][]*keyframeConn
	kinds   map[string][]media.Kind
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		station: make(map[string][]*conntest.FakeConn),
		viewer:  make(map[string][]*keyframeConn),
		kinds:   make(map[string][]media.Kind),
	}
}

func (f *fakeFactory) Station(peerID string, _ []*media.Track) (rtc.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := conntest.NewFakeConn(fmt.Sprintf("station-%s-%d", peerID, len(f.station[peerID])))
	f.station[peerID] = append(f.station[peerID], c)
	return c, nil
}

func (f *fakeFactory) Viewer(peerID string, kinds []media.Kind, _ TrackFunc) (rtc.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &keyframeConn{FakeConn: conntest.NewFakeConn(fmt.Sprintf("viewer-%s-%d", peerID, len(f.viewer[peerID])))}
	f.viewer[peerID] = append(f.viewer[peerID], c)
	f.kinds[peerID] = kinds
	return c, nil
}

func (f *fakeFactory) stationConns(peerID string) []*conntest.FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*conntest.FakeConn(nil), f.station[peerID]...)
}

func (f *fakeFactory) viewerConns(peerID string) []*keyframeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*keyframeConn(nil), f.viewer[peerID]...)
}

// fakeProvider hands out loopback RTP streams and remembers devices.
type fakeProvider struct {
	mu      sync.Mutex
	devices []string
	fail    error
}

func (p *fakeProvider) Acquire(ctx context.Context, deviceID string) (media.Stream, error) {
	p.mu.Lock()
	p.devices = append(p.devices, deviceID)
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	rp := &media.RTPProvider{Config: media.RTPConfig{
		VideoAddr:     "127.0.0.1:0",
		AudioAddr:     "127.0.0.1:0",
		LoggerFactory: quietLogs(),
	}}
	return rp.Acquire(ctx, deviceID)
}

func (p *fakeProvider) acquired() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.devices...)
}

// spy records every message on the bus.
type spy struct {
	r    *relay.BusRelay
	mu   sync.Mutex
	msgs []relay.Message
}

func newSpy(t *testing.T, bus *relay.Bus, id string) *spy {
	s := &spy{r: bus.Join(id)}
	s.r.OnMessage(func(m relay.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.msgs = append(s.msgs, m)
	})
	t.Cleanup(func() { _ = s.r.Close() })
	return s
}

func (s *spy) matching(subject, from string) []relay.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Message
	for _, m := range s.msgs {
		if m.Subject == subject && (from == "" || m.From == from) {
			out = append(out, m)
		}
	}
	return out
}

func (s *spy) signals(from string, typ rtc.SignalType) []rtc.Signal {
	var out []rtc.Signal
	for _, m := range s.matching(relay.SubjectSignal, from) {
		sig, err := decodeSignal(m)
		if err == nil && sig.Type == typ {
			out = append(out, sig)
		}
	}
	return out
}

func fastNegotiation() NegotiationOptions {
	return NegotiationOptions{
		AnswerTimeout: time.Second,
		Restart: rtc.RestartPolicy{
			MaxRestarts:     2,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			GiveUpAfter:     50 * time.Millisecond,
		},
	}
}

func startBroadcaster(t *testing.T, bus *relay.Bus, f Factory, p media.Provider) *Broadcaster {
	t.Helper()
	r := bus.Join("station")
	b, err := NewBroadcaster(BroadcasterConfig{
		Identity:      Identity{ID: "station", Broadcaster: true},
		Room:          "lab",
		Relay:         r,
		Provider:      p,
		Factory:       f,
		DeviceID:      "/dev/video0",
		Negotiation:   fastNegotiation(),
		LoggerFactory: quietLogs(),
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	r.OnMessage(b.Handle)
	t.Cleanup(func() {
		_ = r.Close()
		_ = b.Close()
	})
	return b
}

func startViewer(t *testing.T, bus *relay.Bus, id string, f Factory, onErr func(error)) *Viewer {
	t.Helper()
	r := bus.Join(id)
	v, err := NewViewer(ViewerConfig{
		Identity:      Identity{ID: id},
		Relay:         r,
		Factory:       f,
		Negotiation:   fastNegotiation(),
		LoggerFactory: quietLogs(),
		OnError:       onErr,
	})
	require.NoError(t, err)
	r.OnMessage(v.Handle)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.Close()
		_ = v.Close()
	})
	return v
}

func stable(infos []rtc.SessionInfo, peer string) bool {
	for _, i := range infos {
		if i.PeerID == peer && i.State == rtc.StateStable.String() && i.Role != rtc.RoleNone.String() {
			return true
		}
	}
	return false
}
