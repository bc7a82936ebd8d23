package repository

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/models"
)

// TagRepository handles database operations for image tags
type TagRepository struct {
	DB *gorm.DB
}

// NewTagRepository creates a new instance of TagRepository
func NewTagRepository(db *gorm.DB) *TagRepository {
	return &TagRepository{DB: db}
}

// Append adds one tag to an image
func (r *TagRepository) Append(tag *models.ImageTag) error {
	if err := r.DB.Create(tag).Error; err != nil {
		return fmt.Errorf("failed to append tag %q to image %d: %w", tag.Tag, tag.ImageID, err)
	}
	return nil
}

// ListByImageID retrieves all tags for one image
func (r *TagRepository) ListByImageID(imageID uint) ([]models.ImageTag, error) {
	var tags []models.ImageTag
	err := r.DB.Where("image_id = ?", imageID).Order("created_at ASC").Find(&tags).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for image %d: %w", imageID, err)
	}
	return tags, nil
}

// CountBySource counts an image's tags from one source ('ai' or 'user').
// The pipeline uses this to avoid re-tagging on manual reprocess.
func (r *TagRepository) CountBySource(imageID uint, source string) (int64, error) {
	var count int64
	err := r.DB.Model(&models.ImageTag{}).
		Where("image_id = ? AND source = ?", imageID, source).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count %s tags for image %d: %w", source, imageID, err)
	}
	return count, nil
}

// DeleteByImageID removes all tags for one image
func (r *TagRepository) DeleteByImageID(imageID uint) error {
	err := r.DB.Where("image_id = ?", imageID).Delete(&models.ImageTag{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete tags for image %d: %w", imageID, err)
	}
	return nil
}
