// Package transporttest provides an in-memory transport that behaves like the
// signaling service: joins are serialized, only existing members learn about
// a newcomer and rooms hold at most two participants.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/transport"
)

type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Channel
	sent  []models.SignalMessage
	// Capacity overrides models.MaxParticipants when positive.
	Capacity int
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Channel)}
}

// Factory returns a transport.Factory whose channels join as role.
func (h *Hub) Factory(role models.Role) transport.Factory {
	return func(events transport.Events) transport.Channel {
		return h.NewChannel(role, events)
	}
}

func (h *Hub) NewChannel(role models.Role, events transport.Events) *Channel {
	c := &Channel{hub: h, role: role, events: events, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go c.deliver()
	return c
}

// Sent returns every message accepted by Send, in order.
func (h *Hub) Sent() []models.SignalMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.SignalMessage(nil), h.sent...)
}

// SentOfType filters Sent by message type.
func (h *Hub) SentOfType(t models.SignalType) []models.SignalMessage {
	var out []models.SignalMessage
	for _, m := range h.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Members lists the user IDs currently joined to roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id := range h.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// Drop simulates an unexpected connection loss for userID.
func (h *Hub) Drop(roomID, userID string) {
	h.mu.Lock()
	c, ok := h.rooms[roomID][userID]
	if ok {
		delete(h.rooms[roomID], userID)
	}
	others := h.othersLocked(roomID, userID)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.roomID = ""
	c.mu.Unlock()
	c.push(func() { c.events.Disconnected(transport.ErrNotConnected) })
	for _, o := range others {
		o.push(func() { o.events.PeerLeft(userID, transport.LeaveReasonDisconnected) })
	}
}

// Inject delivers raw to userID as if another participant had sent it.
func (h *Hub) Inject(roomID, userID string, raw []byte) {
	h.mu.Lock()
	c := h.rooms[roomID][userID]
	h.mu.Unlock()
	if c != nil {
		c.push(func() { c.events.Message(raw) })
	}
}

func (h *Hub) othersLocked(roomID, self string) []*Channel {
	var out []*Channel
	for id, c := range h.rooms[roomID] {
		if id != self {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) capacity() int {
	if h.Capacity > 0 {
		return h.Capacity
	}
	return models.MaxParticipants
}

// Channel is one participant's connection to a Hub.
type Channel struct {
	hub    *Hub
	role   models.Role
	events transport.Events

	mu     sync.Mutex
	roomID string
	userID string
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (c *Channel) push(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliver runs callbacks in order on a goroutine of its own, like a network
// read loop would.
func (c *Channel) deliver() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			fn := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			fn()
		}
	}
}

func (c *Channel) Connect(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.roomID != "" {
		c.mu.Unlock()
		return transport.ErrAlreadyJoined
	}
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Channel)
		h.rooms[roomID] = room
	}
	if _, present := room[userID]; !present && len(room) >= h.capacity() {
		h.mu.Unlock()
		return transport.ErrRoomFull
	}
	others := h.othersLocked(roomID, userID)
	room[userID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.roomID, c.userID = roomID, userID
	c.mu.Unlock()

	c.push(func() { c.events.Connected() })
	joined := models.Participant{UserID: userID, Role: c.role, JoinedAt: time.Now().UTC()}
	for _, o := range others {
		o.push(func() { o.events.PeerJoined(joined) })
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, msg models.SignalMessage) error {
	c.mu.Lock()
	roomID, userID := c.roomID, c.userID
	c.mu.Unlock()
	if roomID == "" {
		return transport.ErrNotConnected
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h := c.hub
	h.mu.Lock()
	h.sent = append(h.sent, msg)
	targets := h.othersLocked(roomID, userID)
	h.mu.Unlock()

	for _, t := range targets {
		if msg.To != "" && msg.To != t.userIDSnapshot() {
			continue
		}
		t.push(func() { t.events.Message(raw) })
	}
	return nil
}

func (c *Channel) userIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	roomID, userID := c.roomID, c.userID
	c.roomID = ""
	c.mu.Unlock()
	if roomID == "" {
		return nil
	}

	h := c.hub
	h.mu.Lock()
	if h.rooms[roomID][userID] == c {
		delete(h.rooms[roomID], userID)
	}
	others := h.othersLocked(roomID, userID)
	h.mu.Unlock()

	for _, o := range others {
		o.push(func() { o.events.PeerLeft(userID, transport.LeaveReasonLeft) })
	}
	return nil
}

func (c *Channel) Close() error {
	err := c.Leave(context.Background())
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	return err
}
