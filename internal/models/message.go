package models

import (
	"encoding/json"
	"time"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer      SignalType = "offer"
	SignalTypeAnswer     SignalType = "answer"
	SignalTypeCandidate  SignalType = "ice-candidate"
	SignalTypeJoin       SignalType = "join-room"
	SignalTypeLeave      SignalType = "leave-room"
	SignalTypePeerJoined SignalType = "peer-joined"
	SignalTypePeerLeft   SignalType = "peer-left"

	// Call invitations ride the same channel as negotiation messages.
	SignalTypeInvite  SignalType = "call-invite"
	SignalTypeAccept  SignalType = "call-accept"
	SignalTypeDecline SignalType = "call-decline"

	SignalTypeError SignalType = "error"
)

var knownTypes = map[SignalType]struct{}{
	SignalTypeOffer:      {},
	SignalTypeAnswer:     {},
	SignalTypeCandidate:  {},
	SignalTypeJoin:       {},
	SignalTypeLeave:      {},
	SignalTypePeerJoined: {},
	SignalTypePeerLeft:   {},
	SignalTypeInvite:     {},
	SignalTypeAccept:     {},
	SignalTypeDecline:    {},
	SignalTypeError:      {},
}

// Known reports whether t is one of the enumerated message types.
func (t SignalType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Relayed reports whether the service forwards messages of this type between
// peers as-is.
func (t SignalType) Relayed() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate,
		SignalTypeInvite, SignalTypeAccept, SignalTypeDecline:
		return true
	}
	return false
}

// SignalMessage represents a WebRTC signaling message
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	RoomID    string          `json:"roomId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON writes an empty recipient or payload as null.
func (m SignalMessage) MarshalJSON() ([]byte, error) {
	type wire SignalMessage
	var to *string
	if m.To != "" {
		to = &m.To
	}
	data := m.Data
	if len(data) == 0 {
		data = nil
	}
	return json.Marshal(struct {
		wire
		To   *string         `json:"to"`
		Data json.RawMessage `json:"data"`
	}{wire: wire(m), To: to, Data: data})
}

// Time returns the message timestamp as a time.Time.
func (m SignalMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// JoinData is carried by join-room requests and acknowledgements.
type JoinData struct {
	Role  Role          `json:"role,omitempty"`
	Seq   int64         `json:"seq,omitempty"`
	Peers []Participant `json:"peers,omitempty"`
}

// PeerData is carried by peer-joined and peer-left notifications.
type PeerData struct {
	Participant
	Reason string `json:"reason,omitempty"`
}

// ErrorData is sent by the service when it refuses a request.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeRoomFull      = "room-full"
	ErrorCodeAlreadyJoined = "already-joined"
	ErrorCodeNotJoined     = "not-joined"
	ErrorCodeUnauthorized  = "unauthorized"
	ErrorCodeEvicted       = "evicted"
	ErrorCodeInvalid       = "invalid-message"
)

// InviteData is carried by call-invite messages.
type InviteData struct {
	InvitationID string    `json:"invitationId"`
	Role         Role      `json:"role"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// DeclineData is carried by call-accept and call-decline messages.
type DeclineData struct {
	InvitationID string `json:"invitationId"`
	Reason       string `json:"reason,omitempty"`
}

const (
	DeclineReasonDeclined = "declined"
	DeclineReasonExpired  = "expired"
	DeclineReasonBusy     = "busy"
)
