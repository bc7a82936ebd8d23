package repository

import (
	"time"

	"github.com/mdopp/diabay/models"
)

// EnhancementResult carries the values the pipeline persists after the
// enhancing stage succeeds.
type EnhancementResult struct {
	EnhancedPath  string
	Preset        string
	HistogramClip float64
	CLAHEClip     float64
	FaceDetected  bool
	Width         int
	Height        int
	FileSize      int64
}

// ImageRepositoryInterface defines the methods for image record operations.
// The pipeline is the sole writer; everything else reads.
type ImageRepositoryInterface interface {
	Create(image *models.Image) error
	GetByID(id uint) (*models.Image, error)
	GetByFilename(filename string) (*models.Image, error)
	GetByOriginalPath(originalPath string) (*models.Image, error)
	SetStage(id uint, status, stage string, progress float64) error
	SetOriginalPath(id uint, originalPath, filename string) error
	SetEnhancementResult(id uint, result EnhancementResult) error
	SetDimensions(id uint, width, height int) error
	SetExifDate(id uint, exifDate *time.Time) error
	MarkComplete(id uint) error
	MarkError(id uint, message string) error
	MarkSkipped(id uint, message string) error
	List() ([]models.Image, error)
	ListNonTerminal() ([]models.Image, error)
	ListComplete() ([]models.Image, error)
	Delete(id uint) error
}

// FingerprintRepositoryInterface defines the methods for perceptual
// fingerprint storage. Fingerprints are written once and regrouped, never
// mutated by a scan.
type FingerprintRepositoryInterface interface {
	Upsert(imageID uint, hashValue, hashAlgorithm string) error
	GetByImageID(imageID uint) (*models.Fingerprint, error)
	ListAll() ([]models.Fingerprint, error)
}

// TagRepositoryInterface defines the methods for image tag operations
type TagRepositoryInterface interface {
	Append(tag *models.ImageTag) error
	ListByImageID(imageID uint) ([]models.ImageTag, error)
	CountBySource(imageID uint, source string) (int64, error)
	DeleteByImageID(imageID uint) error
}

// SessionRepositoryInterface defines the methods for processing session
// counters and the bounded error log.
type SessionRepositoryInterface interface {
	Begin(sessionID string) (*models.ProcessingSession, error)
	GetActive() (*models.ProcessingSession, error)
	IncrementCompleted(id uint, hourKey string) error
	RecordError(id uint, entry models.ErrorLogEntry) error
	HourlyCounts(id uint) (map[string]int, error)
	ErrorLog(id uint) ([]models.ErrorLogEntry, error)
	End(id uint) error
}
