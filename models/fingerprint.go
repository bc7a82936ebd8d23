package models

import "time"

// Fingerprint holds the perceptual hash of an image, 1:1 with Image.
// Computed once per image and immutable thereafter; recomputed only on
// explicit re-ingestion.
type Fingerprint struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ImageID       uint   `gorm:"uniqueIndex;not null" json:"image_id"`
	HashValue     string `gorm:"index;not null" json:"hash_value"` // hex string
	HashAlgorithm string `gorm:"not null" json:"hash_algorithm"`   // e.g. "phash-64"

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Fingerprint) TableName() string {
	return "fingerprints"
}
