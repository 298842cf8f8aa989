// Package relay carries signaling messages between participants of a room.
// Delivery is at-least-once with no ordering across senders; messages a
// participant sends are never delivered back to it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

const (
	SubjectRequestStream     = "requestStream"
	SubjectStreamCredentials = "streamCredentials"
	SubjectSignal            = "webrtc-signal"
	SubjectCameraChanged     = "camera-changed"
	SubjectReload            = "reload"
)

var (
	ErrClosed    = errors.New("relay: closed")
	ErrEmptyBody = errors.New("relay: message has no body")
	ErrBackedUp  = errors.New("relay: send buffer full")
)

// Message is one delivered relay message.
type Message struct {
	From    string
	Subject string
	Body    json.RawMessage
}

func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("relay: decode %s body: %w", m.Subject, err)
	}
	return nil
}

type Relay interface {
	// Send publishes body (JSON encoded, nil for none) under subject.
	Send(ctx context.Context, subject string, body any) error
	// OnMessage sets the handler for delivered messages. Messages arriving
	// while no handler is set are dropped.
	OnMessage(func(Message))
	Close() error
}

/* --------------------------------- envelope --------------------------------- */

// envelope is the wire form shared by the network relays.
type envelope struct {
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func marshalBody(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay: encode body: %w", err)
	}
	return raw, nil
}

// encode wraps body for the wire. Signals carry their target in "to" so a
// hub can route them to one participant.
func encode(from, subject string, body any) ([]byte, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	env := envelope{From: from, Subject: subject, Body: raw}
	if subject == SubjectSignal {
		env.To = gjson.GetBytes(raw, "targetPeerId").String()
	}
	return json.Marshal(env)
}

// decode unwraps data for participant self. It reports false for invalid
// data, echoes of self's own messages and messages addressed to others.
func decode(self string, data []byte) (Message, bool) {
	if !gjson.ValidBytes(data) {
		return Message{}, false
	}
	f := gjson.GetManyBytes(data, "from", "to", "subject", "body")
	from, to, subject := f[0].String(), f[1].String(), f[2].String()
	if subject == "" || from == self {
		return Message{}, false
	}
	if to != "" && to != self {
		return Message{}, false
	}
	msg := Message{From: from, Subject: subject}
	if f[3].Exists() && f[3].Type != gjson.Null {
		msg.Body = json.RawMessage(f[3].Raw)
	}
	return msg, true
}

/* ---------------------------------- handler --------------------------------- */

type handlerSlot struct {
	mu sync.RWMutex
	fn func(Message)
}

func (h *handlerSlot) set(fn func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *handlerSlot) deliver(msg Message) bool {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}
