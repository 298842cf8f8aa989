package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/n0remac/station-webrtc/relay"
	rtc "github.com/n0remac/station-webrtc/webrtc"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

type ViewerConfig struct {
	Identity Identity
	Relay    relay.Relay
	Factory  Factory
	OnTrack  TrackFunc
	// RequestInterval is the first delay before requestStream is sent again
	// while no credentials have arrived. It grows up to 10x.
	RequestInterval time.Duration

	Negotiation   NegotiationOptions
	Journal       rtc.Journal
	LoggerFactory logging.LoggerFactory
	OnError       func(error)
}

// Viewer asks the room for a stream and receives it from the broadcaster
// that answers.
type Viewer struct {
	cfg ViewerConfig
	log logging.LeveledLogger
	neg *rtc.Negotiator

	mu       sync.Mutex
	ctx      context.Context
	station  string
	streamID string
	creds    *Credentials
	nonce    string
	closed   bool
	done     chan struct{}
}

const DefaultRequestInterval = time.Second

func NewViewer(cfg ViewerConfig) (*Viewer, error) {
	switch {
	case cfg.Relay == nil:
		return nil, errors.New("station: relay required")
	case cfg.Factory == nil:
		return nil, errors.New("station: connection factory required")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	v := &Viewer{
		cfg:  cfg,
		log:  cfg.LoggerFactory.NewLogger("station"),
		ctx:  context.Background(),
		done: make(chan struct{}),
	}
	restart := cfg.Negotiation.Restart
	restart.Drive = false
	neg, err := rtc.NewNegotiator(rtc.Config{
		LocalID:           cfg.Identity.ID,
		Emitter:           emitter{cfg.Relay},
		NewConn:           v.newConn,
		AutoNegotiate:     true,
		Restart:           restart,
		AnswerTimeout:     cfg.Negotiation.AnswerTimeout,
		Journal:           cfg.Journal,
		LoggerFactory:     cfg.LoggerFactory,
		OnSessionClosed:   v.sessionClosed,
		OnConnectionState: v.connectionState,
	})
	if err != nil {
		return nil, err
	}
	v.neg = neg
	return v, nil
}

// Start asks the room for the stream.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	v.ctx = ctx
	v.mu.Unlock()
	return v.request()
}

// request starts over with a fresh nonce and keeps asking until
// credentials arrive.
func (v *Viewer) request() error {
	nonce := uuid.NewString()
	v.mu.Lock()
	ctx, closed := v.ctx, v.closed
	v.nonce = nonce
	v.mu.Unlock()
	if closed {
		return rtc.ErrSessionClosed
	}
	v.log.Infof("requesting stream as %s", v.cfg.Identity.ID)
	go v.keepRequesting(ctx, nonce)
	return v.cfg.Relay.Send(ctx, relay.SubjectRequestStream, StreamRequest{Nonce: nonce})
}

func (v *Viewer) keepRequesting(ctx context.Context, nonce string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.cfg.RequestInterval
	b.MaxInterval = 10 * v.cfg.RequestInterval
	b.MaxElapsedTime = 0
	b.Reset()
	for {
		t := time.NewTimer(b.NextBackOff())
		select {
		case <-v.done:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		v.mu.Lock()
		waiting := v.nonce == nonce && v.station == "" && !v.closed
		v.mu.Unlock()
		if !waiting {
			return
		}
		v.log.Debugf("no credentials yet; asking again")
		if err := v.cfg.Relay.Send(ctx, relay.SubjectRequestStream, StreamRequest{Nonce: nonce}); err != nil {
			v.log.Warnf("request stream: %v", err)
		}
	}
}

func (v *Viewer) newConn(peerID string) (rtc.Conn, error) {
	v.mu.Lock()
	creds := v.creds
	v.mu.Unlock()
	if creds == nil || creds.PeerID != peerID {
		return nil, ErrNoStream
	}
	return v.cfg.Factory.Viewer(peerID, creds.Kinds(), v.cfg.OnTrack)
}

func (v *Viewer) Handle(msg relay.Message) {
	switch msg.Subject {
	case relay.SubjectStreamCredentials:
		var creds Credentials
		if err := msg.Decode(&creds); err != nil {
			v.log.Warnf("[%s] %v", msg.From, err)
			return
		}
		if creds.PeerID == "" {
			creds.PeerID = msg.From
		}
		v.connect(creds)

	case relay.SubjectSignal:
		sig, err := decodeSignal(msg)
		if err != nil {
			v.log.Warnf("[%s] %v", msg.From, err)
			return
		}
		if sig.FromPeerID != msg.From {
			v.log.Warnf("[%s] signal claims to be from %s; dropping", msg.From, sig.FromPeerID)
			return
		}
		_ = v.neg.Dispatch(sig)

	case relay.SubjectCameraChanged:
		v.mu.Lock()
		ours := msg.From == v.station
		v.mu.Unlock()
		if !ours {
			return
		}
		v.log.Infof("[%s] camera changed; reconnecting", msg.From)
		v.reset(msg.From)
		if err := v.request(); err != nil {
			v.log.Warnf("request stream: %v", err)
		}
	}
}

// connect opens the one session for a stream. Credentials for a stream
// that already has a live session are ignored.
func (v *Viewer) connect(creds Credentials) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	live := v.station == creds.PeerID && v.streamID == creds.Stream.ID && v.neg.Session(creds.PeerID) != nil
	if live {
		v.creds = &creds
		v.mu.Unlock()
		v.log.Debugf("[%s] stream %s already connected", creds.PeerID, creds.Stream.ID)
		return
	}
	previous := v.station
	v.station, v.streamID, v.creds = creds.PeerID, creds.Stream.ID, &creds
	v.mu.Unlock()

	if previous != "" && previous != creds.PeerID {
		_ = v.neg.CloseSession(previous)
	}
	s, err := v.neg.Connect(creds.PeerID)
	if err != nil {
		v.log.Errorf("[%s] connect: %v", creds.PeerID, err)
		v.report(err)
		return
	}
	v.log.Infof("[%s] connecting to stream %s (%d tracks)", creds.PeerID, creds.Stream.ID, len(creds.Stream.Tracks))
	if err := s.Negotiate(); err != nil {
		v.log.Warnf("[%s] negotiate: %v", creds.PeerID, err)
	}
}

// reset forgets the stream from station and closes its session.
func (v *Viewer) reset(station string) {
	v.mu.Lock()
	if v.station == station {
		v.station, v.streamID, v.creds = "", "", nil
	}
	v.mu.Unlock()
	_ = v.neg.CloseSession(station)
}

func (v *Viewer) sessionClosed(peerID string, err error) {
	if !errors.Is(err, rtc.ErrRecoveryExhausted) {
		return
	}
	v.log.Warnf("[%s] connection did not recover; requesting the stream again", peerID)
	v.report(err)
	v.mu.Lock()
	if v.station == peerID {
		v.station, v.streamID, v.creds = "", "", nil
	}
	v.mu.Unlock()
	if err := v.request(); err != nil {
		v.log.Warnf("request stream: %v", err)
	}
}

func (v *Viewer) connectionState(peerID string, st webrtc.PeerConnectionState) {
	if st != webrtc.PeerConnectionStateConnected {
		return
	}
	s := v.neg.Session(peerID)
	if s == nil {
		return
	}
	if kr, ok := s.Conn().(KeyframeRequester); ok {
		if err := kr.RequestKeyframe(); err != nil {
			v.log.Debugf("[%s] keyframe request: %v", peerID, err)
		}
	}
}

func (v *Viewer) report(err error) {
	if v.cfg.OnError != nil {
		v.cfg.OnError(err)
	}
}

// Station returns the id of the broadcaster being watched, if any.
func (v *Viewer) Station() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.station
}

// Credentials returns the last credentials accepted from the station.
func (v *Viewer) Credentials() *Credentials {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.creds == nil {
		return nil
	}
	c := *v.creds
	return &c
}

func (v *Viewer) Sessions() []rtc.SessionInfo { return v.neg.Sessions() }

func (v *Viewer) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	close(v.done)
	v.mu.Unlock()
	return v.neg.Close()
}
