package models

import "time"

// tag sources
const (
	TagSourceAI   = "ai"
	TagSourceUser = "user"
)

// ImageTag is a tag attached to an image, either from the external
// tagging capability or entered by the operator.
type ImageTag struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	ImageID    uint     `gorm:"not null;index:idx_tag_image" json:"image_id"`
	Tag        string   `gorm:"not null;index:idx_tag_source" json:"tag"`
	Source     string   `gorm:"not null;index:idx_tag_source" json:"source"` // 'ai' or 'user'
	Confidence *float64 `gorm:"" json:"confidence,omitempty"`                // Nullable, 0.0-1.0 for AI tags
	Category   string   `gorm:"default:general" json:"category"`             // 'scene', 'era', 'custom', ...

	CreatedAt time.Time `json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (ImageTag) TableName() string {
	return "image_tags"
}
