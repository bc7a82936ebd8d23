package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/models"
)

// ImageRepository handles database operations for Image entities
type ImageRepository struct {
	DB *gorm.DB
}

// NewImageRepository creates a new instance of ImageRepository
func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{DB: db}
}

// Create inserts a new image record
func (r *ImageRepository) Create(image *models.Image) error {
	if err := r.DB.Create(image).Error; err != nil {
		return fmt.Errorf("failed to create image record for %s: %w", image.Filename, err)
	}
	return nil
}

// GetByID retrieves full image info by its id
func (r *ImageRepository) GetByID(id uint) (*models.Image, error) {
	var image models.Image
	err := r.DB.Preload("Tags").Preload("Fingerprint").First(&image, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image %d: %w", id, err)
	}
	return &image, nil
}

// GetByFilename retrieves an image record by its unique filename
func (r *ImageRepository) GetByFilename(filename string) (*models.Image, error) {
	var image models.Image
	err := r.DB.Where("filename = ?", filename).First(&image).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image by filename %s: %w", filename, err)
	}
	return &image, nil
}

// GetByOriginalPath retrieves an image record by its analysed-directory path
func (r *ImageRepository) GetByOriginalPath(originalPath string) (*models.Image, error) {
	var image models.Image
	err := r.DB.Where("original_path = ?", originalPath).First(&image).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image by path %s: %w", originalPath, err)
	}
	return &image, nil
}

// SetStage records a stage transition. Progress is display-only and never
// consulted for correctness.
func (r *ImageRepository) SetStage(id uint, status, stage string, progress float64) error {
	updates := map[string]interface{}{
		"status":   status,
		"stage":    stage,
		"progress": progress,
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to set stage %s for image %d: %w", stage, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetOriginalPath records the outcome of the rename/move stages
func (r *ImageRepository) SetOriginalPath(id uint, originalPath, filename string) error {
	updates := map[string]interface{}{
		"original_path": originalPath,
		"filename":      filename,
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to set original path for image %d: %w", id, result.Error)
	}
	return nil
}

// SetEnhancementResult stores the enhanced output path and the parameters
// the selector actually applied
func (r *ImageRepository) SetEnhancementResult(id uint, res EnhancementResult) error {
	updates := map[string]interface{}{
		"enhanced_path":  res.EnhancedPath,
		"preset":         res.Preset,
		"histogram_clip": res.HistogramClip,
		"clahe_clip":     res.CLAHEClip,
		"face_detected":  res.FaceDetected,
		"width":          res.Width,
		"height":         res.Height,
		"file_size":      res.FileSize,
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to set enhancement result for image %d: %w", id, result.Error)
	}
	return nil
}

// SetDimensions updates stored width/height, used after manual rotation
func (r *ImageRepository) SetDimensions(id uint, width, height int) error {
	updates := map[string]interface{}{"width": width, "height": height}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to set dimensions for image %d: %w", id, result.Error)
	}
	return nil
}

// SetExifDate stores the capture timestamp found during renaming
func (r *ImageRepository) SetExifDate(id uint, exifDate *time.Time) error {
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Update("exif_date", exifDate)
	if result.Error != nil {
		return fmt.Errorf("failed to set exif date for image %d: %w", id, result.Error)
	}
	return nil
}

// MarkComplete moves a record to its terminal saved state
func (r *ImageRepository) MarkComplete(id uint) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       database.StatusComplete,
		"stage":        database.StageSaved,
		"progress":     100.0,
		"processed_at": &now,
		"last_error":   gorm.Expr("NULL"),
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark image %d complete: %w", id, result.Error)
	}
	return nil
}

// MarkError moves a record to its terminal error state
func (r *ImageRepository) MarkError(id uint, message string) error {
	updates := map[string]interface{}{
		"status":     database.StatusError,
		"last_error": message,
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark image %d errored: %w", id, result.Error)
	}
	return nil
}

// MarkSkipped records an auto-skipped duplicate. Skipped records keep
// their fingerprint but are excluded from further stages.
func (r *ImageRepository) MarkSkipped(id uint, message string) error {
	updates := map[string]interface{}{
		"status":     database.StatusSkipped,
		"last_error": message,
	}
	result := r.DB.Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark image %d skipped: %w", id, result.Error)
	}
	return nil
}

// List retrieves every image record with its tags, newest first
func (r *ImageRepository) List() ([]models.Image, error) {
	var images []models.Image
	err := r.DB.Preload("Tags").Order("created_at DESC").Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}

// ListNonTerminal retrieves records left mid-lane, ordered by creation.
// Crash recovery revalidates each of these against the filesystem.
func (r *ImageRepository) ListNonTerminal() ([]models.Image, error) {
	var images []models.Image
	err := r.DB.Where("status IN ?", []string{database.StatusPending, database.StatusProcessing}).
		Order("created_at ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal images: %w", err)
	}
	return images, nil
}

// ListComplete retrieves all saved records ordered by creation
func (r *ImageRepository) ListComplete() ([]models.Image, error) {
	var images []models.Image
	err := r.DB.Where("status = ?", database.StatusComplete).
		Order("created_at ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list complete images: %w", err)
	}
	return images, nil
}

// Delete removes an image record; tags and fingerprint cascade
func (r *ImageRepository) Delete(id uint) error {
	result := r.DB.Delete(&models.Image{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete image record %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
