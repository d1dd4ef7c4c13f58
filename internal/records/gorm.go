package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the records database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// GormStore is a Store on a SQL database.
type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewGormStore migrates the records table and returns the store.
func NewGormStore(db *gorm.DB, logger zerolog.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate records: %w", err)
	}
	return &GormStore{db: db, logger: logger.With().Str("component", "records").Logger(), now: time.Now}, nil
}

func (s *GormStore) CreateSession(ctx context.Context, in NewSession) (*Record, error) {
	rec := &Record{
		SessionID:     uuid.New().String(),
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		AppointmentID: in.AppointmentID,
		RoomID:        in.RoomID,
		Status:        StatusInProgress,
		StartedAt:     s.now().UTC(),
	}
	if rec.RoomID == "" {
		rec.RoomID = "room_" + rec.SessionID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Record{}).
			Where("patient_id = ? AND doctor_id = ? AND status = ?", in.PatientID, in.DoctorID, StatusInProgress).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrSessionAlreadyActive
		}
		return tx.Create(rec).Error
	})
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// Lost a race with a concurrent create; the partial index caught it.
		return nil, ErrSessionAlreadyActive
	case errors.Is(err, ErrSessionAlreadyActive):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info().Str("session_id", rec.SessionID).Str("room_id", rec.RoomID).Msg("Session created")
	return rec, nil
}

func (s *GormStore) UpdateSessionStatus(ctx context.Context, sessionID string, status Status) (*Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var rec Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).First(&rec).Error; err != nil {
			return err
		}
		if rec.Status == status {
			return nil
		}
		if rec.Status.Terminal() {
			return ErrImmutable
		}

		updates := map[string]any{"status": status}
		if status.Terminal() {
			ended := s.now().UTC()
			updates["ended_at"] = ended
			rec.EndedAt = &ended
		}
		rec.Status = status
		return tx.Model(&Record{}).Where("session_id = ?", sessionID).Updates(updates).Error
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ErrImmutable):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("status", string(status)).Msg("Session status updated")
	return &rec, nil
}

func (s *GormStore) GetActiveSession(ctx context.Context, patientID, doctorID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("patient_id = ? AND doctor_id = ? AND status = ?", patientID, doctorID, StatusInProgress).
		Order("started_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active session: %w", err)
	}
	return &rec, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	return &rec, nil
}
