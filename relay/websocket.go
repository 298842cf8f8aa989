package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

type WebsocketConfig struct {
	// URL of the hub endpoint, e.g. ws://localhost:8080/ws/hub.
	URL  string
	Room string
	ID   string
	// Token is passed to hubs that require participant tokens.
	Token string

	Header         http.Header
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	SendBuffer     int
	LoggerFactory  logging.LoggerFactory
}

// WebsocketRelay is a client of a room hub. It redials whenever the
// connection drops until it is closed.
type WebsocketRelay struct {
	cfg     WebsocketConfig
	log     logging.LeveledLogger
	handler handlerSlot
	send    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

func DialWebsocket(cfg WebsocketConfig) (*WebsocketRelay, error) {
	if cfg.URL == "" || cfg.ID == "" {
		return nil, errors.New("relay: websocket url and id required")
	}
	if cfg.Room == "" {
		cfg.Room = "default"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &WebsocketRelay{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("relay"),
		send:   make(chan []byte, cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Ready is closed once the first connection to the hub is up.
func (r *WebsocketRelay) Ready() <-chan struct{} { return r.ready }

func (r *WebsocketRelay) Send(ctx context.Context, subject string, body any) error {
	data, err := encode(r.cfg.ID, subject, body)
	if err != nil {
		return err
	}
	select {
	case <-r.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.send <- data:
		return nil
	default:
		r.log.Warnf("send queue overflow for %s; dropping %s", r.cfg.ID, subject)
		return ErrBackedUp
	}
}

func (r *WebsocketRelay) OnMessage(fn func(Message)) { r.handler.set(fn) }

func (r *WebsocketRelay) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *WebsocketRelay) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("relay: bad hub url: %w", err)
	}
	q := u.Query()
	q.Set("room", r.cfg.Room)
	q.Set("id", r.cfg.ID)
	if r.cfg.Token != "" {
		q.Set("token", r.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *WebsocketRelay) run() {
	defer close(r.done)
	for {
		if err := r.connectAndServe(); err != nil && r.ctx.Err() == nil {
			r.log.Warnf("hub connection ended: %v; retrying in %s", err, r.cfg.ReconnectDelay)
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

func (r *WebsocketRelay) connectAndServe() error {
	endpoint, err := r.endpoint()
	if err != nil {
		return err
	}
	ws, _, err := r.cfg.Dialer.DialContext(r.ctx, endpoint, r.cfg.Header)
	if err != nil {
		return err
	}
	defer ws.Close()
	r.log.Infof("connected to hub room=%s id=%s", r.cfg.Room, r.cfg.ID)
	r.readyOnce.Do(func() { close(r.ready) })

	stop := make(chan struct{})
	go func() {
		select {
		case <-r.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		case <-stop:
		}
	}()
	writeErr := make(chan error, 1)
	go func() { writeErr <- r.writePump(ws, stop) }()

	readErr := r.readPump(ws)
	close(stop)
	_ = ws.Close()
	if err := <-writeErr; err != nil && readErr == nil {
		return err
	}
	return readErr
}

func (r *WebsocketRelay) readPump(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, ok := decode(r.cfg.ID, data)
		if !ok {
			continue
		}
		if !r.handler.deliver(msg) {
			r.log.Debugf("no handler for %s from %s", msg.Subject, msg.From)
		}
	}
}

func (r *WebsocketRelay) writePump(ws *websocket.Conn, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case data := <-r.send:
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}
