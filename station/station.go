// Package station runs a participant of a room: the broadcaster that owns
// the camera and answers every viewer, or a viewer that requests the stream
// and offers to the broadcaster.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/n0remac/station-webrtc/media"
	"github.com/n0remac/station-webrtc/relay"
	rtc "github.com/n0remac/station-webrtc/webrtc"
)

var (
	ErrMediaUnavailable = media.ErrMediaUnavailable
	ErrNotStarted       = errors.New("station: not started")
	ErrNoStream         = errors.New("station: no active stream")
)

// Identity is who this participant is in the room.
type Identity struct {
	ID          string
	Broadcaster bool
}

// NewIdentity returns id, or a random one when id is empty.
func NewIdentity(id string, broadcaster bool) Identity {
	if id == "" {
		id = uuid.NewString()
	}
	return Identity{ID: id, Broadcaster: broadcaster}
}

type TrackInfo struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// StreamRequest is the body of a requestStream message. A viewer keeps one
// nonce until it starts over, so redeliveries and retries share it.
type StreamRequest struct {
	Nonce string `json:"nonce,omitempty"`
}

// Credentials is the body of a streamCredentials message.
type Credentials struct {
	RoomID   string          `json:"roomId"`
	PeerID   string          `json:"peerId"`
	Stream   StreamInfo      `json:"stream"`
	Settings *media.Settings `json:"settings,omitempty"`
}

// Kinds returns the track kinds advertised in c, skipping unknown ones.
func (c Credentials) Kinds() []media.Kind {
	var out []media.Kind
	for _, t := range c.Stream.Tracks {
		if k, err := media.ParseKind(t.Kind); err == nil {
			out = append(out, k)
		}
	}
	return out
}

func describe(room, peerID string, s media.Stream) Credentials {
	info := StreamInfo{ID: s.ID()}
	for _, t := range s.Tracks() {
		info.Tracks = append(info.Tracks, TrackInfo{Kind: string(t.Kind), Enabled: t.Enabled()})
	}
	settings := s.Settings()
	return Credentials{RoomID: room, PeerID: peerID, Stream: info, Settings: &settings}
}

// NegotiationOptions tunes the negotiation core for a participant.
type NegotiationOptions struct {
	AnswerTimeout time.Duration
	Restart       rtc.RestartPolicy
}

// emitter sends outbound signals through the relay.
type emitter struct{ r relay.Relay }

func (e emitter) Emit(ctx context.Context, sig rtc.Signal) error {
	return e.r.Send(ctx, relay.SubjectSignal, sig)
}

func decodeSignal(msg relay.Message) (rtc.Signal, error) {
	var sig rtc.Signal
	if err := json.Unmarshal(msg.Body, &sig); err != nil {
		return sig, fmt.Errorf("%w: %v", rtc.ErrMalformedSignal, err)
	}
	return sig, nil
}
