package station

import (
	"fmt"

	"github.com/n0remac/station-webrtc/media"
	rtc "github.com/n0remac/station-webrtc/webrtc"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// TrackFunc receives a track the viewer started receiving.
type TrackFunc func(peerID string, kind media.Kind, r media.RTPReader)

// Factory builds the connections the roles negotiate over.
type Factory interface {
	// Station returns a connection sending tracks to viewer peerID.
	Station(peerID string, tracks []*media.Track) (rtc.Conn, error)
	// Viewer returns a connection receiving the given kinds from peerID.
	Viewer(peerID string, kinds []media.Kind, onTrack TrackFunc) (rtc.Conn, error)
}

// KeyframeRequester is implemented by connections that can ask the sender
// for a fresh keyframe.
type KeyframeRequester interface {
	RequestKeyframe() error
}

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers loopback candidates, for single-host setups.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// PionFactory builds pion peer connections from one shared API.
type PionFactory struct {
	api *webrtc.API
	cfg PionConfig
	log logging.LeveledLogger
}

func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	m := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(m); err != nil {
		return nil, fmt.Errorf("station: register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("station: register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		cfg: cfg,
		log: cfg.LoggerFactory.NewLogger("station"),
	}, nil
}

func (f *PionFactory) newPeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
}

func (f *PionFactory) Station(peerID string, tracks []*media.Track) (rtc.Conn, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t.Local)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("station: add %s track for %s: %w", t.Kind, peerID, err)
		}
		go drainRTCP(sender)
	}
	return rtc.NewPeerConn(pc), nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (f *PionFactory) Viewer(peerID string, kinds []media.Kind, onTrack TrackFunc) (rtc.Conn, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		codecType := webrtc.RTPCodecTypeVideo
		if k == media.KindAudio {
			codecType = webrtc.RTPCodecTypeAudio
		}
		if _, err := pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("station: %s transceiver for %s: %w", k, peerID, err)
		}
	}
	c := &viewerConn{PeerConn: rtc.NewPeerConn(pc), pc: pc, log: f.log, peerID: peerID}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.KindVideo
			if err := c.pli(uint32(track.SSRC())); err != nil {
				f.log.Debugf("[%s] keyframe request: %v", peerID, err)
			}
		}
		f.log.Infof("[%s] receiving %s track %s (%s)", peerID, kind, track.ID(), track.Codec().MimeType)
		if onTrack != nil {
			onTrack(peerID, kind, track)
		}
	})
	return c, nil
}

type viewerConn struct {
	*rtc.PeerConn
	pc     *webrtc.PeerConnection
	log    logging.LeveledLogger
	peerID string
}

func (c *viewerConn) pli(ssrc uint32) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// RequestKeyframe sends a PLI for every video track being received.
func (c *viewerConn) RequestKeyframe() error {
	var sent int
	for _, r := range c.pc.GetReceivers() {
		track := r.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := c.pli(uint32(track.SSRC())); err != nil {
			return err
		}
		sent++
	}
	c.log.Debugf("[%s] requested keyframes on %d tracks", c.peerID, sent)
	return nil
}
