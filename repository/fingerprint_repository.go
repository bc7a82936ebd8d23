package repository

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mdopp/diabay/models"
)

// FingerprintRepository handles database operations for perceptual fingerprints
type FingerprintRepository struct {
	DB *gorm.DB
}

// NewFingerprintRepository creates a new instance of FingerprintRepository
func NewFingerprintRepository(db *gorm.DB) *FingerprintRepository {
	return &FingerprintRepository{DB: db}
}

// Upsert stores the fingerprint for an image, replacing any previous value.
// Re-running a scan with a different threshold only regroups, it never
// rewrites stored hashes; this is called on ingestion alone.
func (r *FingerprintRepository) Upsert(imageID uint, hashValue, hashAlgorithm string) error {
	fp := models.Fingerprint{
		ImageID:       imageID,
		HashValue:     hashValue,
		HashAlgorithm: hashAlgorithm,
	}
	err := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "image_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hash_value", "hash_algorithm", "updated_at"}),
	}).Create(&fp).Error
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint for image %d: %w", imageID, err)
	}
	return nil
}

// GetByImageID retrieves the fingerprint for one image
func (r *FingerprintRepository) GetByImageID(imageID uint) (*models.Fingerprint, error) {
	var fp models.Fingerprint
	err := r.DB.Where("image_id = ?", imageID).First(&fp).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get fingerprint for image %d: %w", imageID, err)
	}
	return &fp, nil
}

// ListAll retrieves every stored fingerprint
func (r *FingerprintRepository) ListAll() ([]models.Fingerprint, error) {
	var fps []models.Fingerprint
	if err := r.DB.Find(&fps).Error; err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	return fps, nil
}
