package models

import "time"

// Image represents a processed scan in the database using GORM.
// It corresponds to the 'images' table and is mutated only by the
// pipeline through its stage transitions.
type Image struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Filename string `gorm:"uniqueIndex;not null" json:"filename"`

	OriginalPath string  `gorm:"not null" json:"original_path"`           // path in the analysed directory
	EnhancedPath *string `gorm:"" json:"enhanced_path,omitempty"`         // Nullable until enhancement completes
	Status       string  `gorm:"not null;default:pending" json:"status"`  // pending, processing, complete, error, skipped
	Stage        *string `gorm:"index:idx_status_stage" json:"stage,omitempty"` // Nullable once terminal
	Progress     float64 `gorm:"default:0" json:"progress"`               // 0-100, UI display only

	Width    *int   `gorm:"" json:"width,omitempty"`     // Nullable
	Height   *int   `gorm:"" json:"height,omitempty"`    // Nullable
	FileSize *int64 `gorm:"" json:"file_size,omitempty"` // Nullable, bytes of the enhanced output

	// enhancement parameters actually applied
	Preset        *string  `gorm:"" json:"preset,omitempty"`
	HistogramClip *float64 `gorm:"" json:"histogram_clip,omitempty"`
	CLAHEClip     *float64 `gorm:"" json:"clahe_clip,omitempty"`
	FaceDetected  bool     `gorm:"default:false" json:"face_detected"`

	ExifDate *time.Time `gorm:"" json:"exif_date,omitempty"` // Nullable, scan timestamp from EXIF

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	ProcessedAt *time.Time `gorm:"" json:"processed_at,omitempty"` // Nullable until saved
	UpdatedAt   time.Time  `json:"updated_at"`

	LastError *string `gorm:"" json:"last_error,omitempty"` // Nullable, message of the terminal failure

	// Relationships
	Tags        []ImageTag   `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE" json:"tags,omitempty"`
	Fingerprint *Fingerprint `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE" json:"fingerprint,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Image) TableName() string {
	return "images"
}
