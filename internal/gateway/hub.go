// Package gateway hosts the websocket hub: connection lifecycle, room
// membership and room-scoped broadcast. The hub is transport only; who is
// subscribed to what lives in the stream manager.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// Frame is the wire envelope for every hub push.
type Frame struct {
	Event     string `json:"event"`
	Room      string `json:"room,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Conn is one connected websocket client. send is never closed; done marks
// the connection dead so concurrent broadcasters stop queueing to it.
type Conn struct {
	ID   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Hub tracks live connections and their room membership.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	onControl func(clientID string, msg ControlMessage)
	onClose   func(clientID string)
}

// ControlMessage is a client-originated subscribe or unsubscribe request.
type ControlMessage struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols"`
	Capability string   `json:"capability,omitempty"`
	Provider   string   `json:"provider,omitempty"`
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// OnControl registers the handler for client subscribe/unsubscribe messages.
func (h *Hub) OnControl(fn func(clientID string, msg ControlMessage)) { h.onControl = fn }

// OnClose registers the handler invoked after a connection is torn down.
func (h *Hub) OnClose(fn func(clientID string)) { h.onClose = fn }

// Register adopts an upgraded websocket connection and starts its pumps.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:    uuid.NewString(),
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	log.Info().Str("client", c.ID).Msg("websocket client connected")
	return c
}

// Join adds the client to a room.
func (h *Hub) Join(clientID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[clientID] = c
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// Leave removes the client from a room; empty rooms are dropped.
func (h *Hub) Leave(clientID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(clientID, room)
}

func (h *Hub) leaveLocked(clientID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if c, ok := h.conns[clientID]; ok {
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
	}
}

// IsAvailable reports whether any client is connected.
func (h *Hub) IsAvailable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns) > 0
}

// HealthDetail describes the hub state for error messages.
func (h *Hub) HealthDetail() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.conns) == 0 {
		return "no active connections"
	}
	return "connected"
}

// ConnCount reports the live connection total.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastToRoom fans one event to every member of the room. A member whose
// send buffer is full is evicted rather than allowed to stall the fan-out.
func (h *Hub) BroadcastToRoom(room, event string, payload any) error {
	frame, err := json.Marshal(Frame{
		Event:     event,
		Room:      room,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		select {
		case <-c.done:
		case c.send <- frame:
		default:
			log.Warn().Str("client", c.ID).Str("room", room).Msg("send buffer full, evicting slow client")
			go h.drop(c)
		}
	}
	return nil
}

// Send pushes one event to a single client.
func (h *Hub) Send(clientID, event string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: payload, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- frame:
	default:
	}
}

// drop tears a connection down and clears its room membership.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	_, live := h.conns[c.ID]
	if live {
		delete(h.conns, c.ID)
		c.mu.Lock()
		rooms := make([]string, 0, len(c.rooms))
		for r := range c.rooms {
			rooms = append(rooms, r)
		}
		c.mu.Unlock()
		for _, r := range rooms {
			if members, ok := h.rooms[r]; ok {
				delete(members, c.ID)
				if len(members) == 0 {
					delete(h.rooms, r)
				}
			}
		}
	}
	h.mu.Unlock()
	if !live {
		return
	}

	close(c.done)
	_ = c.ws.Close()
	log.Info().Str("client", c.ID).Msg("websocket client disconnected")
	if h.onClose != nil {
		h.onClose(c.ID)
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.drop(c)
	}
}

func (c *Conn) readPump() {
	defer c.hub.drop(c)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.ID).Msg("websocket read failed")
			}
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.ID).Msg("discarding malformed control message")
			continue
		}
		if c.hub.onControl != nil {
			c.hub.onControl(c.ID, msg)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
