package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtp"
)

// RTPConfig describes where an external encoder delivers RTP. An empty
// address disables that kind.
type RTPConfig struct {
	ID            string
	VideoAddr     string
	AudioAddr     string
	Settings      Settings
	LoggerFactory logging.LoggerFactory
}

// RTPStream feeds its tracks from UDP sockets carrying RTP.
type RTPStream struct {
	id       string
	settings Settings
	log      logging.LeveledLogger

	tracks []*Track
	conns  []*net.UDPConn
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  atomic.Bool
}

func ListenRTP(cfg RTPConfig) (*RTPStream, error) {
	if cfg.VideoAddr == "" && cfg.AudioAddr == "" {
		return nil, fmt.Errorf("%w: no ingest address", ErrMediaUnavailable)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &RTPStream{
		id:       cfg.ID,
		settings: cfg.Settings,
		log:      cfg.LoggerFactory.NewLogger("media"),
	}
	for _, in := range []struct {
		kind Kind
		addr string
	}{{KindVideo, cfg.VideoAddr}, {KindAudio, cfg.AudioAddr}} {
		if in.addr == "" {
			continue
		}
		if err := s.listen(in.kind, in.addr); err != nil {
			_ = s.Stop()
			return nil, err
		}
	}
	return s, nil
}

func (s *RTPStream) listen(kind Kind, addr string) error {
	track, err := NewTrack(kind, s.id)
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrMediaUnavailable, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrMediaUnavailable, addr, err)
	}
	s.tracks = append(s.tracks, track)
	s.conns = append(s.conns, conn)
	s.wg.Add(1)
	go s.pump(conn, track)
	s.log.Infof("%s ingest on %s -> track %s", kind, conn.LocalAddr(), track.Local.ID())
	return nil
}

// pump reads RTP packets from conn and writes them into track.
func (s *RTPStream) pump(conn *net.UDPConn, track *Track) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warnf("%s ingest read: %v", track.Kind, err)
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debugf("%s ingest unmarshal: %v", track.Kind, err)
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			s.log.Debugf("%s WriteRTP: %v", track.Kind, err)
		}
	}
}

func (s *RTPStream) ID() string { return s.id }

func (s *RTPStream) Tracks() []*Track { return append([]*Track(nil), s.tracks...) }

func (s *RTPStream) SetEnabled(kind Kind, on bool) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	for _, t := range s.tracks {
		if t.Kind == kind {
			t.SetEnabled(on)
			return nil
		}
	}
	return fmt.Errorf("%w %q in stream %s", ErrUnknownKind, kind, s.id)
}

func (s *RTPStream) Settings() Settings { return s.settings }

// Addr returns the bound ingest address for kind, or nil.
func (s *RTPStream) Addr(kind Kind) net.Addr {
	for i, t := range s.tracks {
		if t.Kind == kind {
			return s.conns[i].LocalAddr()
		}
	}
	return nil
}

func (s *RTPStream) Stop() error {
	var errs []error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		for _, c := range s.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.wg.Wait()
		s.log.Infof("stream %s stopped", s.id)
	})
	return errors.Join(errs...)
}

// RTPProvider acquires streams from an encoder that is managed elsewhere.
// The device id is only used as a label.
type RTPProvider struct {
	Config RTPConfig
}

func (p *RTPProvider) Acquire(_ context.Context, deviceID string) (Stream, error) {
	cfg := p.Config
	cfg.ID = ""
	s, err := ListenRTP(cfg)
	if err != nil {
		return nil, err
	}
	if deviceID != "" {
		s.log.Infof("stream %s labelled for device %s", s.id, deviceID)
	}
	return s, nil
}
