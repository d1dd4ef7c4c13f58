package session

import (
	"time"

	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/peer"
	"github.com/pion/webrtc/v4"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

// Call identifies the consultation to start or join.
type Call struct {
	RoomID        string
	PatientID     string
	DoctorID      string
	AppointmentID string
}

// Invitation is a call-invite received from another participant.
type Invitation struct {
	ID        string
	From      string
	Role      models.Role
	RoomID    string
	ExpiresAt time.Time
}

// Listener receives the orchestrator's notifications. All methods are called
// from the orchestrator's event loop and must not call back into it
// synchronously.
type Listener interface {
	OnStateChanged(state State)
	OnConnectionState(state webrtc.PeerConnectionState)
	OnRemoteStream(track peer.RemoteTrack)
	OnParticipantLeft(userID, reason string)
	OnError(err *callerr.Error)
	OnIncomingCall(inv Invitation)
	OnInvitationAccepted(invitationID, by string)
	OnInvitationDeclined(invitationID, reason string)
}

// NopListener ignores every notification. Embed it to implement only some.
type NopListener struct{}

func (NopListener) OnStateChanged(State)                         {}
func (NopListener) OnConnectionState(webrtc.PeerConnectionState) {}
func (NopListener) OnRemoteStream(peer.RemoteTrack)              {}
func (NopListener) OnParticipantLeft(string, string)             {}
func (NopListener) OnError(*callerr.Error)                       {}
func (NopListener) OnIncomingCall(Invitation)                    {}
func (NopListener) OnInvitationAccepted(string, string)          {}
func (NopListener) OnInvitationDeclined(string, string)          {}
