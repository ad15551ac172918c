package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbita-chat/calling/pkg/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// roomHub fans signaling messages out between the peers of one room.
type roomHub struct {
	id     string
	server *Server

	mu    sync.RWMutex
	peers map[string]*client
}

func newRoomHub(id string, s *Server) *roomHub {
	return &roomHub{id: id, server: s, peers: make(map[string]*client)}
}

func (h *roomHub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) >= h.server.maxRoomSize() {
		return false
	}
	h.peers[c.id] = c
	return true
}

func (h *roomHub) remove(c *client) {
	h.mu.Lock()
	delete(h.peers, c.id)
	empty := len(h.peers) == 0
	h.mu.Unlock()
	if empty {
		h.server.dropRoom(h.id)
	}
}

func (h *roomHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// route delivers msg to its targets: unicast when To is set, otherwise every
// peer but the sender.
func (h *roomHub) route(msg signal.Message) {
	if msg.Type == signal.TypeRoomClosed {
		h.server.markRoomClosed(h.id, msg.From)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.server.log.Error().Err(err).Msg("marshal signaling message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, peer := range h.peers {
		if id == msg.From {
			continue
		}
		if msg.To != "" && msg.To != id {
			continue
		}
		select {
		case peer.send <- data:
		default:
			h.server.log.Warn().Str("peer", id).Str("room", h.id).Msg("send buffer full, dropping message")
		}
	}
}

// client is one websocket peer connection.
type client struct {
	id   string
	hub  *roomHub
	conn *websocket.Conn
	send chan []byte
}

// readPump validates inbound envelopes and routes them. On any exit it
// announces the peer's leave to the rest of the room.
func (c *client) readPump() {
	s := c.hub.server
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		s.peerLeft(c.hub, c.id)
		c.hub.route(signal.Message{Type: signal.TypeLeave, RoomID: c.hub.id, From: c.id})
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Str("peer", c.id).Msg("websocket read")
			}
			return
		}

		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Str("peer", c.id).Msg("unparseable signaling message")
			continue
		}
		// the server is authoritative for sender and room
		msg.From = c.id
		msg.RoomID = c.hub.id
		if err := msg.Validate(); err != nil {
			s.log.Warn().Err(err).Str("peer", c.id).Str("type", string(msg.Type)).Msg("rejecting signaling message")
			continue
		}

		s.metrics.messages.WithLabelValues(string(msg.Type)).Inc()
		c.hub.route(msg)

		if msg.Type == signal.TypeLeave {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
