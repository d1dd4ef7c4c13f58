package models

import "time"

// Role is the clinical role a participant joins a consultation with.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleNurse   Role = "nurse"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleNurse:
		return true
	}
	return false
}

// MaxParticipants is the capacity of a consultation room.
const MaxParticipants = 2

// Participant is a user present in a room.
type Participant struct {
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomInfo is returned by the room lookup endpoint.
type RoomInfo struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Capacity     int           `json:"capacity"`
	TailLength   int64         `json:"tailLength"`
}
