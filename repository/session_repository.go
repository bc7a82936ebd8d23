package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/models"
)

// errorLogLimit bounds the per-session error ring
const errorLogLimit = 50

// SessionRepository handles database operations for processing sessions
type SessionRepository struct {
	DB *gorm.DB
}

// NewSessionRepository creates a new instance of SessionRepository
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

// Begin closes any previously active session and opens a new one
func (r *SessionRepository) Begin(sessionID string) (*models.ProcessingSession, error) {
	now := time.Now()
	err := r.DB.Model(&models.ProcessingSession{}).
		Where("is_active = ?", true).
		Updates(map[string]interface{}{"is_active": false, "ended_at": &now}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to close previous sessions: %w", err)
	}

	session := models.ProcessingSession{
		SessionID:    sessionID,
		StartedAt:    now,
		LastActivity: now,
		IsActive:     true,
		HourlyCounts: "{}",
		ErrorLog:     "[]",
	}
	if err := r.DB.Create(&session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", sessionID, err)
	}
	return &session, nil
}

// GetActive retrieves the currently active session
func (r *SessionRepository) GetActive() (*models.ProcessingSession, error) {
	var session models.ProcessingSession
	err := r.DB.Where("is_active = ?", true).Order("started_at DESC").First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &session, nil
}

// IncrementCompleted bumps the session's completed counter and the hourly
// bucket identified by hourKey ("2006-01-02 15:00")
func (r *SessionRepository) IncrementCompleted(id uint, hourKey string) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var session models.ProcessingSession
		if err := tx.First(&session, id).Error; err != nil {
			return fmt.Errorf("failed to load session %d: %w", id, err)
		}

		counts := map[string]int{}
		if session.HourlyCounts != "" {
			if err := json.Unmarshal([]byte(session.HourlyCounts), &counts); err != nil {
				return fmt.Errorf("failed to decode hourly counts for session %d: %w", id, err)
			}
		}
		counts[hourKey]++

		encoded, err := json.Marshal(counts)
		if err != nil {
			return fmt.Errorf("failed to encode hourly counts for session %d: %w", id, err)
		}

		updates := map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + 1"),
			"hourly_counts":   string(encoded),
			"last_activity":   time.Now(),
		}
		if err := tx.Model(&models.ProcessingSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to increment completed count for session %d: %w", id, err)
		}
		return nil
	})
}

// RecordError bumps the error counter and appends to the bounded error ring
func (r *SessionRepository) RecordError(id uint, entry models.ErrorLogEntry) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var session models.ProcessingSession
		if err := tx.First(&session, id).Error; err != nil {
			return fmt.Errorf("failed to load session %d: %w", id, err)
		}

		var ring []models.ErrorLogEntry
		if session.ErrorLog != "" {
			if err := json.Unmarshal([]byte(session.ErrorLog), &ring); err != nil {
				return fmt.Errorf("failed to decode error log for session %d: %w", id, err)
			}
		}
		ring = append(ring, entry)
		if len(ring) > errorLogLimit {
			ring = ring[len(ring)-errorLogLimit:]
		}

		encoded, err := json.Marshal(ring)
		if err != nil {
			return fmt.Errorf("failed to encode error log for session %d: %w", id, err)
		}

		updates := map[string]interface{}{
			"error_count":   gorm.Expr("error_count + 1"),
			"error_log":     string(encoded),
			"last_activity": time.Now(),
		}
		if err := tx.Model(&models.ProcessingSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to record error for session %d: %w", id, err)
		}
		return nil
	})
}

// HourlyCounts decodes the session's hourly completion buckets
func (r *SessionRepository) HourlyCounts(id uint) (map[string]int, error) {
	var session models.ProcessingSession
	if err := r.DB.First(&session, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", id, err)
	}
	counts := map[string]int{}
	if session.HourlyCounts != "" {
		if err := json.Unmarshal([]byte(session.HourlyCounts), &counts); err != nil {
			return nil, fmt.Errorf("failed to decode hourly counts for session %d: %w", id, err)
		}
	}
	return counts, nil
}

// ErrorLog decodes the session's bounded error ring
func (r *SessionRepository) ErrorLog(id uint) ([]models.ErrorLogEntry, error) {
	var session models.ProcessingSession
	if err := r.DB.First(&session, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", id, err)
	}
	ring := []models.ErrorLogEntry{}
	if session.ErrorLog != "" {
		if err := json.Unmarshal([]byte(session.ErrorLog), &ring); err != nil {
			return nil, fmt.Errorf("failed to decode error log for session %d: %w", id, err)
		}
	}
	return ring, nil
}

// End closes a session explicitly
func (r *SessionRepository) End(id uint) error {
	now := time.Now()
	err := r.DB.Model(&models.ProcessingSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "ended_at": &now}).Error
	if err != nil {
		return fmt.Errorf("failed to end session %d: %w", id, err)
	}
	return nil
}
