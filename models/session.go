package models

import "time"

// ProcessingSession tracks counters and the error log accumulated since
// the pipeline process last started. One active session per pipeline
// lifetime; a restart opens a new session unless explicitly resumed.
type ProcessingSession struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SessionID string `gorm:"uniqueIndex;not null" json:"session_id"`

	CompletedCount int `gorm:"default:0" json:"completed_count"`
	ErrorCount     int `gorm:"default:0" json:"error_count"`

	// JSON dict of "2006-01-02 15:00" -> count, sliding 48h window
	HourlyCounts string `gorm:"type:text" json:"hourly_counts,omitempty"`
	// JSON list of bounded error log entries
	ErrorLog string `gorm:"type:text" json:"error_log,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `gorm:"" json:"ended_at,omitempty"` // Nullable while active
	LastActivity time.Time  `json:"last_activity"`
	IsActive     bool       `gorm:"default:true;index" json:"is_active"`
}

// TableName explicitly sets the table name for GORM.
func (ProcessingSession) TableName() string {
	return "processing_sessions"
}

// ErrorLogEntry is one element of the session's bounded error ring,
// serialized into ProcessingSession.ErrorLog.
type ErrorLogEntry struct {
	Filename  string    `json:"filename"`
	Error     string    `json:"error"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}
