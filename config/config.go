package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultInputSubDir     = "input"
	DefaultAnalysedSubDir  = "analysed"
	DefaultOutputSubDir    = "output"
	DefaultThumbnailSubDir = "thumbnails"
	DefaultModelsSubDir    = "models"
)

const (
	defaultJPEGQuality        = 95
	defaultThumbnailMaxSize   = 300
	defaultScanWorkers        = 2
	defaultWatcherPollSeconds = 1
	defaultDebounceSeconds    = 2
)

type Config struct {
	// directory contract: scanner drops TIFFs into InputDir, renamed
	// originals land in AnalysedDir, enhanced JPEGs in OutputDir
	InputDir      string
	AnalysedDir   string
	OutputDir     string
	ThumbnailsDir string
	ModelsDir     string

	// database path
	DatabasePath string

	// enhancement settings
	JPEGQuality         int
	CLAHEClipLimit      float64
	HistogramClip       float64
	EnableFaceDetection bool
	AdaptiveCLAHEGrid   bool

	// archival output format toggles
	EnablePNGArchive  bool
	EnableTIFFArchive bool
	EnableJPEGXL      bool

	// duplicate detection
	DuplicateThreshold float64
	AutoSkipDuplicates bool
	ScanWorkers        int

	// ingestion watcher timing
	WatcherPollInterval time.Duration
	DebounceInterval    time.Duration

	// thumbnail generation settings
	ThumbnailMaxSize int

	// face detection model paths (DNN)
	FaceDNNNetConfigPath string
	FaceDNNNetModelPath  string

	// external tagging capability
	TaggerURL     string
	TaggerTimeout time.Duration
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float64) float64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val < 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %g. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvBoolOrDefault(envVar string, defaultVal bool) bool {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: Invalid %s '%s'. Using default %v. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func absDir(envVar, defaultValue string) (string, error) {
	dir := getEnvOrDefault(envVar, defaultValue)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s '%s': %w", envVar, dir, err)
	}
	return abs, nil
}

func LoadConfig() (Config, error) {
	inputDir, err := absDir("INPUT_DIR", filepath.Join(".", DefaultInputSubDir))
	if err != nil {
		return Config{}, err
	}
	analysedDir, err := absDir("ANALYSED_DIR", filepath.Join(".", DefaultAnalysedSubDir))
	if err != nil {
		return Config{}, err
	}
	outputDir, err := absDir("OUTPUT_DIR", filepath.Join(".", DefaultOutputSubDir))
	if err != nil {
		return Config{}, err
	}
	thumbsDir, err := absDir("THUMBNAILS_DIR", filepath.Join(".", DefaultThumbnailSubDir))
	if err != nil {
		return Config{}, err
	}
	modelsDir, err := absDir("MODELS_DIR", filepath.Join(".", DefaultModelsSubDir))
	if err != nil {
		return Config{}, err
	}

	threshold := getEnvFloatOrDefault("DUPLICATE_THRESHOLD", 0.95)
	if threshold > 1.0 {
		log.Printf("Warning: DUPLICATE_THRESHOLD %g out of range, clamping to 1.0", threshold)
		threshold = 1.0
	}

	cfg := Config{
		InputDir:      inputDir,
		AnalysedDir:   analysedDir,
		OutputDir:     outputDir,
		ThumbnailsDir: thumbsDir,
		ModelsDir:     modelsDir,

		DatabasePath: getEnvOrDefault("DATABASE_PATH", "diabay.db"),

		JPEGQuality:         getEnvIntOrDefault("JPEG_QUALITY", defaultJPEGQuality),
		CLAHEClipLimit:      getEnvFloatOrDefault("CLAHE_CLIP_LIMIT", 1.5),
		HistogramClip:       getEnvFloatOrDefault("HISTOGRAM_CLIP", 0.5),
		EnableFaceDetection: getEnvBoolOrDefault("ENABLE_FACE_DETECTION", true),
		AdaptiveCLAHEGrid:   getEnvBoolOrDefault("ADAPTIVE_CLAHE_GRID", true),

		EnablePNGArchive:  getEnvBoolOrDefault("ENABLE_PNG_ARCHIVE", false),
		EnableTIFFArchive: getEnvBoolOrDefault("ENABLE_TIFF_ARCHIVE", false),
		EnableJPEGXL:      getEnvBoolOrDefault("ENABLE_JPEG_XL", false),

		DuplicateThreshold: threshold,
		AutoSkipDuplicates: getEnvBoolOrDefault("AUTO_SKIP_DUPLICATES", true),
		ScanWorkers:        getEnvIntOrDefault("SCAN_WORKERS", defaultScanWorkers),

		WatcherPollInterval: time.Duration(getEnvIntOrDefault("WATCHER_POLL_SECONDS", defaultWatcherPollSeconds)) * time.Second,
		DebounceInterval:    time.Duration(getEnvIntOrDefault("DEBOUNCE_SECONDS", defaultDebounceSeconds)) * time.Second,

		ThumbnailMaxSize: getEnvIntOrDefault("THUMBNAIL_MAX_SIZE", defaultThumbnailMaxSize),

		FaceDNNNetConfigPath: getEnvOrDefault("FACE_DNN_CONFIG_PATH", filepath.Join(modelsDir, "deploy.prototxt.txt")),
		FaceDNNNetModelPath:  getEnvOrDefault("FACE_DNN_MODEL_PATH", filepath.Join(modelsDir, "res10_300x300_ssd_iter_140000_fp16.caffemodel")),

		TaggerURL:     getEnvOrDefault("TAGGER_URL", ""),
		TaggerTimeout: time.Duration(getEnvIntOrDefault("TAGGER_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	if cfg.JPEGQuality > 100 {
		log.Printf("Warning: JPEG_QUALITY %d out of range, clamping to 100", cfg.JPEGQuality)
		cfg.JPEGQuality = 100
	}

	return cfg, nil
}

// StorageDirs lists every directory the pipeline needs on disk
func (c Config) StorageDirs() []string {
	return []string{c.InputDir, c.AnalysedDir, c.OutputDir, c.ThumbnailsDir, c.ModelsDir, filepath.Dir(c.DatabasePath)}
}
