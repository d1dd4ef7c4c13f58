package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/transport"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
	storeTimeout   = 2 * time.Second

	// serverID is the sender of messages the service itself produces.
	serverID = "signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

type HubOptions struct {
	// Store mirrors presence and the message tail. Optional.
	Store        *redis.Store
	JWTSecret    string
	RequireToken bool
	Logger       zerolog.Logger
}

// Hub relays signaling messages between the participants of each room. A
// room holds at most models.MaxParticipants connections.
type Hub struct {
	opts   HubOptions
	logger zerolog.Logger
	codec  signaling.Codec

	mu      sync.Mutex
	rooms   map[string]map[string]*Client
	clients map[*Client]struct{}
	closed  bool
}

// Client is one websocket connection.
type Client struct {
	ID   string
	Role models.Role

	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by Hub.mu.
	roomID   string
	joinedAt time.Time
}

type outbound struct {
	data  []byte
	close bool
	code  int
	text  string
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "hub").Logger(),
		rooms:   make(map[string]map[string]*Client),
		clients: make(map[*Client]struct{}),
	}
}

// HandleSignaling upgrades GET /ws/signal?userId=&userType=[&token=].
func (h *Hub) HandleSignaling(c *gin.Context) {
	userID := c.Query("userId")
	role := models.Role(c.Query("userType"))
	if userID == "" || !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and a valid userType are required"})
		return
	}
	if h.opts.RequireToken {
		claims, err := middleware.ParseToken(h.opts.JWTSecret, c.Query("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		if claims.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Token does not match userId"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:   userID,
		Role: role,
		conn: conn,
		send: make(chan outbound, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("user_id", userID).Str("role", string(role)).Msg("Client connected")
	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(client *Client) {
	reason := transport.LeaveReasonDisconnected
	defer func() {
		h.leave(client, reason)
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		client.close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = transport.LeaveReasonLeft
			} else {
				h.logger.Warn().Err(err).Str("user_id", client.ID).Msg("Connection lost")
			}
			return
		}
		h.handle(client, raw)
	}
}

func (h *Hub) handle(client *Client, raw []byte) {
	msg, err := h.codec.Decode(raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", client.ID).Msg("Failed to parse message")
		h.sendError(client, models.ErrorCodeInvalid, err.Error())
		return
	}

	switch {
	case msg.Type == models.SignalTypeJoin:
		h.join(client, msg.RoomID)
	case msg.Type == models.SignalTypeLeave:
		h.leave(client, transport.LeaveReasonLeft)
	case msg.Type.Relayed():
		h.relay(client, msg)
	default:
		h.logger.Warn().Str("type", string(msg.Type)).Str("user_id", client.ID).Msg("Unsupported message type")
	}
}

func (h *Hub) join(client *Client, roomID string) {
	if roomID == "" {
		h.sendError(client, models.ErrorCodeInvalid, "roomId is required")
		return
	}

	h.mu.Lock()
	if client.roomID != "" {
		h.mu.Unlock()
		h.sendError(client, models.ErrorCodeAlreadyJoined, "already joined "+client.roomID)
		return
	}
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
	}
	// A connection the same user left behind is replaced.
	stale := room[client.ID]
	if stale == nil && len(room) >= models.MaxParticipants {
		h.mu.Unlock()
		h.logger.Info().Str("room_id", roomID).Str("user_id", client.ID).Msg("Room full, join refused")
		h.sendError(client, models.ErrorCodeRoomFull, "room is full")
		return
	}
	if stale != nil {
		stale.roomID = ""
	}
	client.roomID, client.joinedAt = roomID, time.Now().UTC()
	room[client.ID] = client
	self := client.participant()
	var peers []models.Participant
	var others []*Client
	for id, c := range room {
		if id != client.ID {
			peers = append(peers, c.participant())
			others = append(others, c)
		}
	}
	h.mu.Unlock()

	if stale != nil {
		h.logger.Info().Str("room_id", roomID).Str("user_id", client.ID).Msg("Replacing stale connection")
		stale.close()
	}

	h.sendTo(client, models.SignalTypeJoin, roomID, client.ID, models.JoinData{Role: client.Role, Peers: peers})
	for _, o := range others {
		h.sendTo(o, models.SignalTypePeerJoined, roomID, client.ID, models.PeerData{Participant: self})
	}
	h.logger.Info().Str("room_id", roomID).Str("user_id", client.ID).Int("participants", len(others)+1).Msg("Peer joined room")

	h.withStore(func(ctx context.Context, s *redis.Store) error { return s.AddPeer(ctx, roomID, self) })
}

// leave removes client from its room and tells the others why.
func (h *Hub) leave(client *Client, reason string) {
	h.mu.Lock()
	roomID := client.roomID
	if roomID == "" {
		h.mu.Unlock()
		return
	}
	client.roomID = ""
	self := client.participant()
	room := h.rooms[roomID]
	if room[client.ID] == client {
		delete(room, client.ID)
	}
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	others := make([]*Client, 0, len(room))
	for _, c := range room {
		others = append(others, c)
	}
	h.mu.Unlock()

	for _, o := range others {
		h.sendTo(o, models.SignalTypePeerLeft, roomID, client.ID, models.PeerData{Participant: self, Reason: reason})
	}
	h.logger.Info().Str("room_id", roomID).Str("user_id", client.ID).Str("reason", reason).Msg("Peer left room")

	h.withStore(func(ctx context.Context, s *redis.Store) error { return s.RemovePeer(ctx, roomID, client.ID) })
}

// relay forwards msg to its addressee, or to every other participant when
// it has none. The sender is always the connection's own user.
func (h *Hub) relay(client *Client, msg models.SignalMessage) {
	h.mu.Lock()
	roomID := client.roomID
	if roomID == "" {
		h.mu.Unlock()
		h.sendError(client, models.ErrorCodeNotJoined, "join a room first")
		return
	}
	var targets []*Client
	for id, c := range h.rooms[roomID] {
		if id == client.ID || (msg.To != "" && id != msg.To) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	msg.From, msg.RoomID = client.ID, roomID
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal message")
		return
	}
	if len(targets) == 0 {
		h.logger.Debug().Str("type", string(msg.Type)).Str("to", msg.To).Str("room_id", roomID).Msg("No recipient for message")
	}
	for _, t := range targets {
		t.enqueue(outbound{data: raw}, h.logger)
	}

	h.withStore(func(ctx context.Context, s *redis.Store) error { return s.Append(ctx, roomID, raw) })
}

// Evict removes everyone from roomID and closes their connections. It
// returns how many participants were removed.
func (h *Hub) Evict(roomID string) int {
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	members := make([]*Client, 0, len(room))
	present := make([]models.Participant, 0, len(room))
	for _, c := range room {
		c.roomID = ""
		members = append(members, c)
		present = append(present, c.participant())
	}
	h.mu.Unlock()

	for _, m := range members {
		for _, p := range present {
			if p.UserID != m.ID {
				h.sendTo(m, models.SignalTypePeerLeft, roomID, p.UserID,
					models.PeerData{Participant: p, Reason: transport.LeaveReasonEvicted})
			}
		}
		h.sendError(m, models.ErrorCodeEvicted, "room closed")
		m.enqueue(outbound{close: true, code: websocket.CloseNormalClosure, text: "evicted"}, h.logger)
	}
	if len(members) > 0 {
		h.logger.Info().Str("room_id", roomID).Int("evicted", len(members)).Msg("Room evicted")
	}
	return len(members)
}

// Participants lists who is in roomID on this instance.
func (h *Hub) Participants(roomID string) []models.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Participant, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		out = append(out, c.participant())
	}
	return out
}

// Close refuses new connections and asks every client to go away.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(outbound{close: true, code: websocket.CloseGoingAway, text: "shutting down"}, h.logger)
	}
	h.logger.Info().Int("clients", len(clients)).Msg("Hub closed")
}

func (h *Hub) sendTo(client *Client, t models.SignalType, roomID, from string, data any) {
	raw, err := h.codec.Marshal(t, roomID, from, data, client.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to marshal message")
		return
	}
	client.enqueue(outbound{data: raw}, h.logger)
}

func (h *Hub) sendError(client *Client, code, message string) {
	h.sendTo(client, models.SignalTypeError, "", serverID, models.ErrorData{Code: code, Message: message})
}

func (h *Hub) withStore(fn func(ctx context.Context, s *redis.Store) error) {
	if h.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx, h.opts.Store); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to update room state in Redis")
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case f := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if f.data != nil {
				if err := client.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					h.logger.Warn().Err(err).Str("user_id", client.ID).Msg("Failed to write message")
					return
				}
			}
			if f.close {
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.text))
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.done:
			return
		}
	}
}

func (c *Client) participant() models.Participant {
	return models.Participant{UserID: c.ID, Role: c.Role, JoinedAt: c.joinedAt}
}

func (c *Client) enqueue(f outbound, logger zerolog.Logger) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		logger.Warn().Str("user_id", c.ID).Msg("Send buffer full, dropping message")
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
