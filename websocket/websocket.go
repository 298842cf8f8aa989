// Package websocket is a room hub for relay participants. Each connection
// joins one room under a participant id; envelopes with a "to" field are
// delivered to that participant only, everything else goes to the rest of
// the room.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/tidwall/gjson"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

var ErrMissingIdentity = errors.New("websocket: room and id required")

type HubConfig struct {
	// Secret enables participant tokens. Empty accepts anyone.
	Secret string
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer    int
	LoggerFactory logging.LoggerFactory
}

// Client is one participant connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	Room string
	Id   string
}

// frame is the envelope the relay clients exchange.
type frame struct {
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type routed struct {
	room   string
	to     string
	sender *Client
	data   []byte
}

type Hub struct {
	cfg HubConfig
	log logging.LeveledLogger

	rooms      map[string]map[*Client]bool
	broadcast  chan routed
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu       sync.Mutex
	snapshot map[string][]string

	Upgrader websocket.Upgrader
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Hub{
		cfg:        cfg,
		log:        cfg.LoggerFactory.NewLogger("hub"),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan routed),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snapshot:   make(map[string][]string),
		Upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if os.Getenv("ENVIRONMENT") != "production" {
		return true
	}
	allowed := os.Getenv("ALLOWED_ORIGIN")
	return allowed != "" && origin == allowed
}

// Run serves registrations and routing until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.rooms {
				for client := range clients {
					close(client.send)
				}
			}
			h.rooms = map[string]map[*Client]bool{}
			h.publish()
			return

		case client := <-h.register:
			clients, ok := h.rooms[client.Room]
			if !ok {
				clients = make(map[*Client]bool)
				h.rooms[client.Room] = clients
			}
			for other := range clients {
				if other.Id == client.Id {
					h.log.Infof("[%s] replaced by a new connection in room %s", other.Id, other.Room)
					h.drop(clients, other)
				}
			}
			clients[client] = true
			h.publish()

		case client := <-h.unregister:
			if clients, ok := h.rooms[client.Room]; ok {
				if _, exists := clients[client]; exists {
					h.drop(clients, client)
					if len(clients) == 0 {
						delete(h.rooms, client.Room)
					}
					h.publish()
				}
			}

		case msg := <-h.broadcast:
			clients, ok := h.rooms[msg.room]
			if !ok {
				continue
			}
			for client := range clients {
				if client == msg.sender || (msg.to != "" && client.Id != msg.to) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.log.Warnf("[%s] send buffer full, disconnecting", client.Id)
					h.drop(clients, client)
				}
			}
		}
	}
}

func (h *Hub) drop(clients map[*Client]bool, c *Client) {
	delete(clients, c)
	close(c.send)
}

func (h *Hub) publish() {
	snap := make(map[string][]string, len(h.rooms))
	for room, clients := range h.rooms {
		ids := make([]string, 0, len(clients))
		for c := range clients {
			ids = append(ids, c.Id)
		}
		sort.Strings(ids)
		snap[room] = ids
	}
	h.mu.Lock()
	h.snapshot = snap
	h.mu.Unlock()
}

// Rooms returns the participant ids per room.
func (h *Hub) Rooms() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string, len(h.snapshot))
	for room, ids := range h.snapshot {
		out[room] = append([]string(nil), ids...)
	}
	return out
}

// ServeHTTP upgrades a request carrying ?room=&id= (and ?token= when the
// hub has a secret) into a participant connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room, id := q.Get("room"), q.Get("id")
	if room == "" || id == "" {
		http.Error(w, ErrMissingIdentity.Error(), http.StatusBadRequest)
		return
	}
	if h.cfg.Secret != "" {
		if err := VerifyToken(h.cfg.Secret, q.Get("token"), id); err != nil {
			h.log.Warnf("[%s] rejected: %v", id, err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("[%s] upgrade: %v", id, err)
		return
	}
	client := &Client{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		hub:  h,
		Room: room,
		Id:   id,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.log.Infof("[%s] joined room %s", id, room)
	go client.WritePump()
	client.ReadPump()
}

// HubID is the sender of envelopes the hub originates itself.
const HubID = "hub"

// Announce sends subject with body to every participant in room.
func (h *Hub) Announce(ctx context.Context, room, subject string, body any) error {
	f := frame{From: HubID, Subject: subject}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		f.Body = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- routed{room: room, data: data}:
		return nil
	case <-h.done:
		return errors.New("websocket: hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler adapts the hub to a gin route.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
		c.hub.log.Infof("[%s] left room %s", c.Id, c.Room)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Warnf("[%s] read error: %v", c.Id, err)
			}
			return
		}
		if !gjson.ValidBytes(message) || gjson.GetBytes(message, "subject").String() == "" {
			c.hub.log.Debugf("[%s] dropping message without subject", c.Id)
			continue
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.hub.log.Debugf("[%s] dropping malformed envelope: %v", c.Id, err)
			continue
		}
		// Senders cannot speak for someone else.
		f.From = c.Id
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		select {
		case c.hub.broadcast <- routed{room: c.Room, to: f.To, sender: c, data: data}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Warnf("[%s] write error: %v", c.Id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
