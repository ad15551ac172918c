// Package server implements the room-scoped signaling fan-out the calling
// core's websocket transport speaks to.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orbita-chat/calling/pkg/signal"
)

// RoomMetadata describes a created room.
type RoomMetadata struct {
	ID        string    `json:"id"`
	CallType  string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Peers     int       `json:"peers"`
}

// closedRoomTTL bounds how long a closed room's tombstone is kept so late
// joiners still get the room-closed greeting after the hub is gone.
const closedRoomTTL = time.Hour

type closedRoom struct {
	from string
	at   time.Time
}

// Server is the signaling server: room registry, websocket hub, presence and
// metrics.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
	metrics  *metrics
	presence *presence

	mu     sync.RWMutex
	rooms  map[string]*roomHub
	meta   map[string]RoomMetadata
	closed map[string]closedRoom
}

// New builds a Server from cfg.
func New(cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: newMetrics(),
		rooms:   make(map[string]*roomHub),
		meta:    make(map[string]RoomMetadata),
		closed:  make(map[string]closedRoom),
	}
	if cfg.Redis.Enabled {
		s.presence = newPresence(cfg, logger)
	}
	return s
}

// Router builds the HTTP surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	api := r.Group("/")
	if s.cfg.Auth.Enabled {
		api.Use(s.authMiddleware())
	}
	api.POST("/rooms", s.createRoom)
	api.GET("/rooms/:roomID", s.getRoom)
	api.GET("/ws/:roomID", s.handleSignaling)
	return r
}

func (s *Server) maxRoomSize() int {
	if s.cfg.Signal.MaxRoomSize > 0 {
		return s.cfg.Signal.MaxRoomSize
	}
	return defaultMaxRoomSize
}

func (s *Server) createRoom(c *gin.Context) {
	var req struct {
		Type string `json:"type"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Type == "" {
		req.Type = "individual"
	}

	meta := RoomMetadata{
		ID:        uuid.New().String(),
		CallType:  req.Type,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.meta[meta.ID] = meta
	delete(s.closed, meta.ID)
	s.mu.Unlock()

	s.log.Info().Str("room", meta.ID).Str("type", meta.CallType).Msg("room created")
	c.JSON(http.StatusCreated, meta)
}

func (s *Server) getRoom(c *gin.Context) {
	roomID := c.Param("roomID")
	s.mu.RLock()
	meta, ok := s.meta[roomID]
	hub := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if hub != nil {
		meta.Peers = hub.size()
	} else if s.presence != nil {
		// peers may be connected to another instance
		meta.Peers = len(s.presence.members(c.Request.Context(), roomID))
	}
	c.JSON(http.StatusOK, meta)
}

// handleSignaling upgrades the connection and attaches the peer to its room
// hub. Rooms spring into existence on first join so a host can connect
// without the create round-trip.
func (s *Server) handleSignaling(c *gin.Context) {
	roomID := c.Param("roomID")
	peerID := c.Query("peer")
	if peerID == "" {
		peerID = uuid.New().String()
	}
	if s.cfg.Auth.Enabled {
		if sub := c.GetString(ctxSubject); sub != "" && sub != peerID {
			c.JSON(http.StatusForbidden, gin.H{"error": "peer id does not match token subject"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		s.metrics.upgradeFailures.Inc()
		return
	}

	// the host closed this room; greet the late joiner with room-closed so
	// its session ends instead of waiting out the connect timeout
	if from, ok := s.roomClosedBy(roomID); ok {
		s.log.Info().Str("room", roomID).Str("peer", peerID).Msg("join to closed room")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(signal.Message{Type: signal.TypeRoomClosed, RoomID: roomID, From: from})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	hub := s.getOrCreateRoom(roomID)
	peer := &client{id: peerID, hub: hub, conn: conn, send: make(chan []byte, sendBuffer)}
	if !hub.add(peer) {
		s.log.Warn().Str("room", roomID).Str("peer", peerID).Msg("room full")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.metrics.peers.Inc()
	if s.presence != nil {
		s.presence.add(c.Request.Context(), roomID, peerID)
	}
	s.log.Info().Str("room", roomID).Str("peer", peerID).Int("peers", hub.size()).Msg("peer joined")

	// announce presence to the rest of the room
	hub.route(signal.Message{Type: signal.TypeJoin, RoomID: roomID, From: peerID})

	go peer.writePump()
	go peer.readPump()
}

func (s *Server) getOrCreateRoom(roomID string) *roomHub {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.rooms[roomID]
	if !ok {
		hub = newRoomHub(roomID, s)
		s.rooms[roomID] = hub
		if _, seen := s.meta[roomID]; !seen {
			s.meta[roomID] = RoomMetadata{ID: roomID, CallType: "individual", CreatedAt: time.Now()}
		}
		s.metrics.roomsActive.Inc()
	}
	return hub
}

// markRoomClosed records the host's room-closed broadcast. The tombstone
// outlives the hub so joiners arriving after everyone left still learn the
// room is gone.
func (s *Server) markRoomClosed(roomID, from string) {
	s.mu.Lock()
	s.closed[roomID] = closedRoom{from: from, at: time.Now()}
	s.mu.Unlock()
}

func (s *Server) roomClosedBy(roomID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.closed[roomID]
	if !ok || time.Since(c.at) > closedRoomTTL {
		return "", false
	}
	return c.from, true
}

func (s *Server) dropRoom(roomID string) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		delete(s.rooms, roomID)
		delete(s.meta, roomID)
		s.metrics.roomsActive.Dec()
	}
	s.mu.Unlock()
	s.log.Info().Str("room", roomID).Msg("room removed")
}

func (s *Server) peerLeft(hub *roomHub, peerID string) {
	s.metrics.peers.Dec()
	if s.presence != nil {
		// best effort; the client read/write timeouts bound this
		s.presence.remove(context.Background(), hub.id, peerID)
	}
	s.log.Info().Str("room", hub.id).Str("peer", peerID).Msg("peer left")
}
