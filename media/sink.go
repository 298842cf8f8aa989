package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"
)

// RTPReader is the read side of a received track; *webrtc.TrackRemote
// implements it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type SinkConfig struct {
	// VideoAddr and AudioAddr receive forwarded RTP, e.g. for ffplay.
	// Empty addresses only count packets.
	VideoAddr     string
	AudioAddr     string
	LoggerFactory logging.LoggerFactory
}

// Sink consumes the viewer's received tracks.
type Sink struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	out     map[Kind]*net.UDPConn
	closed  bool
	packets map[Kind]*atomic.Uint64
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Sink{
		log: cfg.LoggerFactory.NewLogger("media"),
		out: make(map[Kind]*net.UDPConn),
		packets: map[Kind]*atomic.Uint64{
			KindVideo: new(atomic.Uint64),
			KindAudio: new(atomic.Uint64),
		},
	}
	for kind, addr := range map[Kind]string{KindVideo: cfg.VideoAddr, KindAudio: cfg.AudioAddr} {
		if addr == "" {
			continue
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("media: sink %s: %w", kind, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("media: sink %s: %w", kind, err)
		}
		s.out[kind] = conn
	}
	return s, nil
}

// Consume reads r until it ends, forwarding packets of the given kind.
func (s *Sink) Consume(kind Kind, r RTPReader) error {
	counter, ok := s.packets[kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	s.mu.Lock()
	out, closed := s.out[kind], s.closed
	s.mu.Unlock()
	if closed {
		return ErrStopped
	}

	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		counter.Add(1)
		if out == nil {
			continue
		}
		raw, err := pkt.Marshal()
		if err != nil {
			s.log.Debugf("%s sink marshal: %v", kind, err)
			continue
		}
		if _, err := out.Write(raw); err != nil {
			s.log.Debugf("%s sink write: %v", kind, err)
		}
	}
}

func (s *Sink) Packets(kind Kind) uint64 {
	if c, ok := s.packets[kind]; ok {
		return c.Load()
	}
	return 0
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for kind, c := range s.out {
		errs = append(errs, c.Close())
		delete(s.out, kind)
	}
	return errors.Join(errs...)
}
