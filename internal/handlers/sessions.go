package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/callerr"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/rs/zerolog"
)

// Sessions exposes the consultation records over HTTP.
type Sessions struct {
	store  records.Store
	logger zerolog.Logger
}

func NewSessions(store records.Store, logger zerolog.Logger) *Sessions {
	return &Sessions{store: store, logger: logger.With().Str("component", "sessions").Logger()}
}

type statusRequest struct {
	Status records.Status `json:"status" binding:"required"`
}

// Create starts a consultation. A pair that already has one in progress
// gets 409 with the existing record.
func (s *Sessions) Create(c *gin.Context) {
	var req records.NewSession
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patientId and doctorId are required"})
		return
	}

	ctx := c.Request.Context()
	rec, err := s.store.CreateSession(ctx, req)
	if errors.Is(err, callerr.ErrSessionAlreadyActive) {
		existing, lookupErr := s.store.GetActiveSession(ctx, req.PatientID, req.DoctorID)
		if lookupErr != nil {
			s.logger.Warn().Err(lookupErr).Msg("Active session vanished after conflict")
		}
		c.JSON(http.StatusConflict, gin.H{"error": "Session already active", "session": existing})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", req.PatientID).Str("doctor_id", req.DoctorID).Msg("Failed to create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	s.logger.Info().Str("session_id", rec.SessionID).Str("room_id", rec.RoomID).Msg("Session started")
	c.JSON(http.StatusCreated, rec)
}

// Active returns the in-progress record for ?patientId=&doctorId=.
func (s *Sessions) Active(c *gin.Context) {
	patientID, doctorID := c.Query("patientId"), c.Query("doctorId")
	if patientID == "" || doctorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patientId and doctorId are required"})
		return
	}

	rec, err := s.store.GetActiveSession(c.Request.Context(), patientID, doctorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Sessions) Get(c *gin.Context) {
	rec, err := s.store.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// UpdateStatus moves a record to a new status. Terminal records refuse any
// other status with 409.
func (s *Sessions) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid status is required"})
		return
	}

	sessionID := c.Param("sessionId")
	rec, err := s.store.UpdateSessionStatus(c.Request.Context(), sessionID, req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info().Str("session_id", sessionID).Str("status", string(rec.Status)).Msg("Session status updated")
	c.JSON(http.StatusOK, rec)
}

func (s *Sessions) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, records.ErrImmutable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, records.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Session store failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
