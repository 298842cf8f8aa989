package station

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/n0remac/station-webrtc/media"
	"github.com/n0remac/station-webrtc/relay"
	rtc "github.com/n0remac/station-webrtc/webrtc"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

type BroadcasterConfig struct {
	Identity Identity
	Room     string
	Relay    relay.Relay
	Provider media.Provider
	Factory  Factory
	// DeviceID is the capture device used until the camera is changed.
	DeviceID string

	Negotiation   NegotiationOptions
	Journal       rtc.Journal
	LoggerFactory logging.LoggerFactory
	// OnError reports media failures and sessions that could not recover.
	OnError func(error)
}

// Broadcaster owns the local stream and answers every viewer that offers.
type Broadcaster struct {
	cfg BroadcasterConfig
	log logging.LeveledLogger
	neg *rtc.Negotiator

	mu      sync.Mutex
	ctx     context.Context
	stream  media.Stream
	device  string
	started bool
	closed  bool

	// nonces seen per viewer, oldest first.
	requests map[string][]string
}

// maxRememberedRequests bounds the nonces kept per viewer.
const maxRememberedRequests = 16

func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	switch {
	case cfg.Relay == nil:
		return nil, errors.New("station: relay required")
	case cfg.Provider == nil:
		return nil, errors.New("station: media provider required")
	case cfg.Factory == nil:
		return nil, errors.New("station: connection factory required")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	b := &Broadcaster{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("station"),
		device: cfg.DeviceID,
	}
	restart := cfg.Negotiation.Restart
	restart.Drive = true
	neg, err := rtc.NewNegotiator(rtc.Config{
		LocalID:       cfg.Identity.ID,
		Emitter:       emitter{cfg.Relay},
		NewConn:       b.newConn,
		AcceptUnknown: true,
		Restart:       restart,
		AnswerTimeout: cfg.Negotiation.AnswerTimeout,
		Journal:       cfg.Journal,
		LoggerFactory: cfg.LoggerFactory,
		OnSessionClosed: func(peerID string, err error) {
			if errors.Is(err, rtc.ErrRecoveryExhausted) {
				b.log.Warnf("[%s] gave up on viewer; waiting for it to ask again", peerID)
				b.report(fmt.Errorf("viewer %s: %w", peerID, err))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	b.neg = neg
	return b, nil
}

func (b *Broadcaster) report(err error) {
	if b.cfg.OnError != nil {
		b.cfg.OnError(err)
	}
}

// Start acquires the local stream. Stream requests are answered only
// after it succeeds.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.ctx = ctx
	stream, err := b.cfg.Provider.Acquire(ctx, b.device)
	if err != nil {
		err = fmt.Errorf("station: acquire %q: %w", b.device, err)
		b.report(err)
		return err
	}
	b.stream = stream
	b.started = true
	b.log.Infof("broadcasting stream %s as %s", stream.ID(), b.cfg.Identity.ID)
	return nil
}

func (b *Broadcaster) newConn(peerID string) (rtc.Conn, error) {
	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()
	if stream == nil {
		return nil, ErrNoStream
	}
	return b.cfg.Factory.Station(peerID, stream.Tracks())
}

// Handle processes one relay message.
func (b *Broadcaster) Handle(msg relay.Message) {
	switch msg.Subject {
	case relay.SubjectRequestStream:
		b.log.Infof("[%s] requested the stream", msg.From)
		var req StreamRequest
		_ = msg.Decode(&req)
		if b.startingOver(msg.From, req.Nonce) && b.neg.Session(msg.From) != nil {
			b.log.Infof("[%s] starting over; closing its session", msg.From)
			_ = b.neg.CloseSession(msg.From)
		}
		if err := b.announce(); err != nil {
			b.log.Warnf("[%s] credentials: %v", msg.From, err)
		}
	case relay.SubjectSignal:
		sig, err := decodeSignal(msg)
		if err != nil {
			b.log.Warnf("[%s] %v", msg.From, err)
			return
		}
		if sig.FromPeerID != msg.From {
			b.log.Warnf("[%s] signal claims to be from %s; dropping", msg.From, sig.FromPeerID)
			return
		}
		if b.currentStream() == nil {
			b.log.Infof("[%s] no stream yet; dropping %s", msg.From, sig.Type)
			return
		}
		_ = b.neg.Dispatch(sig)
	}
}

// startingOver reports whether a requestStream means the viewer dropped its
// connection. A nonce seen before is a redelivery or a retry. Without a
// nonce only a session that already failed is replaced.
func (b *Broadcaster) startingOver(peerID, nonce string) bool {
	if nonce == "" {
		s := b.neg.Session(peerID)
		if s == nil {
			return false
		}
		switch s.Info().Connection {
		case webrtc.PeerConnectionStateFailed.String(), webrtc.PeerConnectionStateClosed.String():
			return true
		}
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := b.requests[peerID]
	for _, n := range seen {
		if n == nonce {
			return false
		}
	}
	if len(seen) >= maxRememberedRequests {
		seen = seen[1:]
	}
	if b.requests == nil {
		b.requests = make(map[string][]string)
	}
	b.requests[peerID] = append(seen, nonce)
	return true
}

func (b *Broadcaster) currentStream() media.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// announce broadcasts the current stream's credentials.
func (b *Broadcaster) announce() error {
	b.mu.Lock()
	stream, ctx := b.stream, b.ctx
	b.mu.Unlock()
	if stream == nil {
		return ErrNoStream
	}
	return b.cfg.Relay.Send(ctx, relay.SubjectStreamCredentials, describe(b.cfg.Room, b.cfg.Identity.ID, stream))
}

// ChangeCamera switches capture to deviceID. Every viewer session is closed
// and viewers are told to ask for the stream again.
func (b *Broadcaster) ChangeCamera(ctx context.Context, deviceID string) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	old := b.stream
	b.stream = nil
	b.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			b.log.Warnf("stop stream %s: %v", old.ID(), err)
		}
	}
	b.neg.CloseSessions()

	stream, err := b.cfg.Provider.Acquire(b.ctx, deviceID)
	if err != nil {
		err = fmt.Errorf("station: acquire %q: %w", deviceID, err)
		b.report(err)
		return err
	}
	b.mu.Lock()
	b.stream = stream
	b.device = deviceID
	b.mu.Unlock()
	b.log.Infof("camera changed to %s (stream %s)", deviceID, stream.ID())

	return b.cfg.Relay.Send(ctx, relay.SubjectCameraChanged, true)
}

// SetTrackEnabled toggles a shared track for every viewer and re-announces
// the stream.
func (b *Broadcaster) SetTrackEnabled(ctx context.Context, kind media.Kind, on bool) error {
	stream := b.currentStream()
	if stream == nil {
		return ErrNoStream
	}
	if err := stream.SetEnabled(kind, on); err != nil {
		return err
	}
	return b.cfg.Relay.Send(ctx, relay.SubjectStreamCredentials, describe(b.cfg.Room, b.cfg.Identity.ID, stream))
}

// DeviceID is the capture device currently in use.
func (b *Broadcaster) DeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

func (b *Broadcaster) Sessions() []rtc.SessionInfo { return b.neg.Sessions() }

// Tracks reports per-track statistics of the active stream.
func (b *Broadcaster) Tracks() []media.TrackStats {
	stream := b.currentStream()
	if stream == nil {
		return nil
	}
	var out []media.TrackStats
	for _, t := range stream.Tracks() {
		out = append(out, t.Stats())
	}
	return out
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()

	err := b.neg.Close()
	if stream != nil {
		err = errors.Join(err, stream.Stop())
	}
	return err
}
