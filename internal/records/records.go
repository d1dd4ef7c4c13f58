// Package records keeps the Call Lifecycle Record: one row per consultation
// between a patient and a doctor, from start to its terminal status.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/consult-signaling/internal/callerr"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a record in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var (
	// ErrSessionAlreadyActive matches callerr.ErrSessionAlreadyActive.
	ErrSessionAlreadyActive = callerr.New(callerr.KindSessionAlreadyActive, "create session",
		errors.New("an in-progress session already exists for this patient and doctor"))
	ErrNotFound      = errors.New("session not found")
	ErrImmutable     = errors.New("session already ended")
	ErrInvalidStatus = errors.New("invalid session status")
)

type Record struct {
	SessionID     string     `json:"sessionId" gorm:"column:session_id;type:varchar(36);primaryKey"`
	PatientID     string     `json:"patientId" gorm:"column:patient_id;type:varchar(64);not null;index:idx_sessions_active_pair,unique,where:status = 'in_progress'"`
	DoctorID      string     `json:"doctorId" gorm:"column:doctor_id;type:varchar(64);not null;index:idx_sessions_active_pair,unique,where:status = 'in_progress'"`
	AppointmentID string     `json:"appointmentId,omitempty" gorm:"column:appointment_id;type:varchar(64);not null;default:''"`
	RoomID        string     `json:"roomId" gorm:"column:room_id;type:varchar(128);not null"`
	Status        Status     `json:"status" gorm:"column:status;type:varchar(20);not null;default:in_progress"`
	StartedAt     time.Time  `json:"startedAt" gorm:"column:started_at;not null"`
	EndedAt       *time.Time `json:"endedAt,omitempty" gorm:"column:ended_at"`
}

func (Record) TableName() string { return "consultation_sessions" }

type NewSession struct {
	PatientID     string `json:"patientId" binding:"required"`
	DoctorID      string `json:"doctorId" binding:"required"`
	AppointmentID string `json:"appointmentId,omitempty"`
	RoomID        string `json:"roomId,omitempty"`
}

// Store persists records. GetActiveSession and GetSession return ErrNotFound
// when nothing matches.
type Store interface {
	CreateSession(ctx context.Context, s NewSession) (*Record, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status Status) (*Record, error)
	GetActiveSession(ctx context.Context, patientID, doctorID string) (*Record, error)
	GetSession(ctx context.Context, sessionID string) (*Record, error)
}
