// Package media provides the station's local stream: static RTP tracks fed
// from an external encoder, and the provider that acquires them from a
// capture device.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaUnavailable = errors.New("media: unavailable")
	ErrUnknownKind      = errors.New("media: unknown track kind")
	ErrStopped          = errors.New("media: stream stopped")
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVideo, KindAudio:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Payload types the encoder is told to use.
const (
	PayloadTypeH264 uint8 = 109
	PayloadTypeOpus uint8 = 111
)

var (
	videoCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}
	audioCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
)

// RegisterCodecs registers the codecs the station sends.
func RegisterCodecs(m *webrtc.MediaEngine) error {
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCodec,
		PayloadType:        webrtc.PayloadType(PayloadTypeH264),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}
	return m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: audioCodec,
		PayloadType:        webrtc.PayloadType(PayloadTypeOpus),
	}, webrtc.RTPCodecTypeAudio)
}

// Settings is the transform viewers apply when rendering.
type Settings struct {
	MirrorX bool `json:"mirrorX" toml:"mirror_x"`
	MirrorY bool `json:"mirrorY" toml:"mirror_y"`
	Rotate  int  `json:"rotate" toml:"rotate"`
}

// Track is one shared local track. All station sessions attach the same
// Local track, so disabling it stops packets to every viewer.
type Track struct {
	Kind  Kind
	Local *webrtc.TrackLocalStaticRTP

	payloadType uint8
	enabled     atomic.Bool
	packets     atomic.Uint64
	dropped     atomic.Uint64
}

func NewTrack(kind Kind, streamID string) (*Track, error) {
	var (
		codec webrtc.RTPCodecCapability
		pt    uint8
	)
	switch kind {
	case KindVideo:
		codec, pt = videoCodec, PayloadTypeH264
	case KindAudio:
		codec, pt = audioCodec, PayloadTypeOpus
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("media: %s track: %w", kind, err)
	}
	t := &Track{Kind: kind, Local: local, payloadType: pt}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// WriteRTP forwards pkt to every attached session unless the track is
// disabled.
func (t *Track) WriteRTP(pkt *rtp.Packet) error {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	pkt.Header.PayloadType = t.payloadType
	t.packets.Add(1)
	return t.Local.WriteRTP(pkt)
}

type TrackStats struct {
	Kind    Kind   `json:"kind"`
	Enabled bool   `json:"enabled"`
	Packets uint64 `json:"packets"`
	Dropped uint64 `json:"dropped"`
}

func (t *Track) Stats() TrackStats {
	return TrackStats{Kind: t.Kind, Enabled: t.Enabled(), Packets: t.packets.Load(), Dropped: t.dropped.Load()}
}

// Stream is the station's one active local stream.
type Stream interface {
	ID() string
	Tracks() []*Track
	// SetEnabled toggles the track of the given kind.
	SetEnabled(kind Kind, on bool) error
	Settings() Settings
	Stop() error
}

// Provider acquires a stream from a capture device. An empty deviceID
// selects the provider's default device.
type Provider interface {
	Acquire(ctx context.Context, deviceID string) (Stream, error)
}
