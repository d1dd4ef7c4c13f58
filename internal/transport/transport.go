// Package transport delivers signaling messages and presence events between
// the participants of one room. Two backends share the Channel contract: a
// websocket to the signaling service and a redis pub/sub channel.
package transport

import (
	"context"
	"errors"

	"github.com/mossy-p/consult-signaling/internal/models"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyJoined = errors.New("already joined a room; leave it first")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("transport closed")
)

// Reasons carried by OnPeerLeft.
const (
	LeaveReasonLeft         = "left"
	LeaveReasonDisconnected = "disconnected"
	LeaveReasonEvicted      = "evicted"
)

// Channel is a bidirectional message channel scoped to one room.
type Channel interface {
	// Connect joins roomID as userID and registers presence. Only one room
	// may be joined at a time.
	Connect(ctx context.Context, roomID, userID string) error
	// Send delivers msg to the other participants of the room.
	Send(ctx context.Context, msg models.SignalMessage) error
	// Leave releases presence and closes the connection without
	// reconnecting. The channel may be connected again afterwards.
	Leave(ctx context.Context) error
	// Close leaves and makes the channel unusable.
	Close() error
}

// Events are invoked from transport goroutines. Nil callbacks are skipped.
type Events struct {
	OnMessage      func(raw []byte)
	OnPeerJoined   func(p models.Participant)
	OnPeerLeft     func(userID, reason string)
	OnConnected    func()
	OnDisconnected func(err error)
}

// Factory builds a Channel delivering to events.
type Factory func(events Events) Channel

// Message and the methods below invoke the matching callback when set.
func (e Events) Message(raw []byte) {
	if e.OnMessage != nil {
		e.OnMessage(raw)
	}
}

func (e Events) PeerJoined(p models.Participant) {
	if e.OnPeerJoined != nil {
		e.OnPeerJoined(p)
	}
}

func (e Events) PeerLeft(userID, reason string) {
	if e.OnPeerLeft != nil {
		e.OnPeerLeft(userID, reason)
	}
}

func (e Events) Connected() {
	if e.OnConnected != nil {
		e.OnConnected()
	}
}

func (e Events) Disconnected(err error) {
	if e.OnDisconnected != nil {
		e.OnDisconnected(err)
	}
}
