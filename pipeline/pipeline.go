package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mdopp/diabay/config"
	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/dedup"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/repository"
	"github.com/mdopp/diabay/tagger"
	"github.com/mdopp/diabay/utils"
	"github.com/mdopp/diabay/watcher"
)

// per-stage display progress
const (
	progressQueued    = 5
	progressRenaming  = 15
	progressMoved     = 30
	progressDupCheck  = 45
	progressEnhancing = 70
	progressTagging   = 85
	progressSaved     = 100
)

// processingTimesLimit bounds the per-image timing window used for the
// throughput trend
const processingTimesLimit = 50

// Pipeline drives each ingested scan through the stage lane. Exactly one
// image is in flight at a time: the lane mutex serializes automatic
// processing and manual operations, so two stages never touch the same
// file concurrently.
type Pipeline struct {
	Config       config.Config
	Images       repository.ImageRepositoryInterface
	Fingerprints repository.FingerprintRepositoryInterface
	TagStore     repository.TagRepositoryInterface
	Sessions     repository.SessionRepositoryInterface
	Watcher      *watcher.Watcher
	Detector     *dedup.Detector
	Hasher       dedup.Hasher
	Enhancer     Enhancer
	Tagger       tagger.Tagger
	StatsDB      *sql.DB

	// Mode is the enhancement mode applied during automatic processing
	Mode string

	// OnStatus receives lifecycle events for the realtime feed; may be nil
	OnStatus func(event string, payload interface{})

	laneMu sync.Mutex

	session      *models.ProcessingSession
	sessionStart time.Time

	mu              sync.Mutex
	currentFile     string
	currentStage    string
	currentProgress float64
	currentError    string
	lastActivity    time.Time
	processingTimes []float64
	halted          bool
	haltReason      string
}

// Run starts a session, recovers whatever the previous run left behind,
// then polls the input directory until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	session, err := p.Sessions.Begin(uuid.NewString())
	if err != nil {
		return fmt.Errorf("pipeline: failed to begin session: %w", err)
	}
	p.mu.Lock()
	p.session = session
	p.sessionStart = time.Now()
	p.lastActivity = time.Now()
	p.mu.Unlock()
	log.Printf("pipeline: session %s started", session.SessionID)

	if err := p.Recover(ctx); err != nil {
		log.Printf("pipeline: recovery incomplete: %v", err)
	}

	ticker := time.NewTicker(p.Config.WatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Sessions.End(session.ID); err != nil {
				log.Printf("pipeline: failed to end session: %v", err)
			}
			log.Printf("pipeline: session %s ended", session.SessionID)
			return ctx.Err()
		case <-ticker.C:
			p.broadcastStatus()
			if p.isHalted() {
				continue
			}
			paths, err := p.Watcher.Poll()
			if err != nil {
				log.Printf("pipeline: input poll failed: %v", err)
				continue
			}
			for _, path := range paths {
				if ctx.Err() != nil {
					break
				}
				if err := p.ProcessFile(ctx, path); err != nil {
					log.Printf("pipeline: lane error on %s: %v", filepath.Base(path), err)
				}
				if p.isHalted() {
					break
				}
			}
		}
	}
}

// ProcessFile carries one stable input file through the whole lane.
// Per-file failures are recorded on the record and the session; only
// lane-level problems (a record that cannot even be created) surface as
// an error.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath string) error {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	if halted, reason := p.haltState(); halted {
		return fmt.Errorf("pipeline: halted: %s", reason)
	}

	start := time.Now()
	rec, err := p.findOrCreateRecord(inputPath)
	if err != nil {
		return err
	}

	p.setStage(rec, database.StageQueued, progressQueued)

	// renaming: the archive name is built from the scan timestamp so the
	// analysed directory sorts chronologically
	p.setStage(rec, database.StageRenaming, progressRenaming)
	exifDate := utils.ExtractExifDate(inputPath)
	if err := p.Images.SetExifDate(rec.ID, exifDate); err != nil {
		log.Printf("pipeline: failed to store exif date for %s: %v", rec.Filename, err)
	}
	newName, err := p.archiveName(inputPath, exifDate)
	if err != nil {
		return p.fail(rec, database.StageRenaming, err)
	}
	analysedPath := filepath.Join(p.Config.AnalysedDir, newName)

	// moved_to_analysed: the durable (fsynced) move happens first; the
	// record keeps the input path and the renaming stage until the file
	// is really on the analysed side, so a crash anywhere in between
	// leaves a record that recovery requeues instead of duplicating
	if err := withRetry(ioRetryAttempts, ioRetryInitial, func() error {
		return utils.MoveFile(inputPath, analysedPath)
	}); err != nil {
		return p.fail(rec, database.StageMovedToAnalysed, err)
	}
	p.Watcher.Forget(inputPath)
	if err := p.Images.SetOriginalPath(rec.ID, analysedPath, newName); err != nil {
		return p.fail(rec, database.StageMovedToAnalysed, err)
	}
	rec.Filename = newName
	rec.OriginalPath = analysedPath
	p.setStage(rec, database.StageMovedToAnalysed, progressMoved)

	if err := p.processAnalysed(ctx, rec, start); err != nil {
		return err
	}
	return nil
}

// processAnalysed runs the stages that operate on the analysed artifact:
// duplicate_check through saved. Crash recovery re-enters here.
func (p *Pipeline) processAnalysed(ctx context.Context, rec *models.Image, start time.Time) error {
	analysedPath := rec.OriginalPath

	// duplicate_check
	p.setStage(rec, database.StageDuplicateCheck, progressDupCheck)
	hash, err := p.Hasher.Compute(analysedPath)
	if err != nil {
		return p.fail(rec, database.StageDuplicateCheck, &CorruptInputError{Path: analysedPath, Err: err})
	}
	if err := p.Fingerprints.Upsert(rec.ID, hash, p.Hasher.Algorithm()); err != nil {
		return p.fail(rec, database.StageDuplicateCheck, err)
	}
	if p.Config.AutoSkipDuplicates && p.Detector != nil {
		match, distance, err := p.Detector.MatchAgainstStored(hash, p.Config.DuplicateThreshold, rec.ID)
		if err != nil {
			log.Printf("pipeline: duplicate lookup failed for %s, continuing: %v", rec.Filename, err)
		} else if match != nil {
			msg := fmt.Sprintf("duplicate of image %d (similarity %.2f)", match.ImageID, 1-distance)
			if err := p.Images.MarkSkipped(rec.ID, msg); err != nil {
				log.Printf("pipeline: failed to mark %s skipped: %v", rec.Filename, err)
			}
			log.Printf("pipeline: skipped %s: %s", rec.Filename, msg)
			p.emit("image_skipped", map[string]interface{}{
				"image_id": rec.ID,
				"filename": rec.Filename,
				"reason":   msg,
			})
			p.clearCurrent()
			return nil
		}
	}

	// enhancing
	p.setStage(rec, database.StageEnhancing, progressEnhancing)
	img, applied, err := p.Enhancer.Enhance(analysedPath, p.Mode)
	if err != nil {
		return p.fail(rec, database.StageEnhancing, err)
	}
	outputPath := filepath.Join(p.Config.OutputDir, replaceExt(rec.Filename, ".jpg"))
	if err := withRetry(ioRetryAttempts, ioRetryInitial, func() error {
		return img.Save(outputPath, p.Config.JPEGQuality)
	}); err != nil {
		img.Close()
		return p.fail(rec, database.StageEnhancing, err)
	}
	p.saveArchivalCopies(img, rec.Filename)
	width, height := img.Bounds()
	img.Close()

	var fileSize int64
	if st, err := os.Stat(outputPath); err == nil {
		fileSize = st.Size()
	}
	if err := p.Images.SetEnhancementResult(rec.ID, repository.EnhancementResult{
		EnhancedPath:  outputPath,
		Preset:        applied.Preset,
		HistogramClip: applied.HistogramClip,
		CLAHEClip:     applied.CLAHEClip,
		FaceDetected:  applied.FaceDetected,
		Width:         width,
		Height:        height,
		FileSize:      fileSize,
	}); err != nil {
		return p.fail(rec, database.StageEnhancing, err)
	}
	if _, err := utils.GenerateThumbnail(outputPath, p.Config.ThumbnailsDir, p.Config.ThumbnailMaxSize); err != nil {
		log.Printf("pipeline: thumbnail for %s failed: %v", rec.Filename, err)
	}

	// tagging: an unreachable tagging backend never fails the image
	p.setStage(rec, database.StageTagging, progressTagging)
	p.generateTags(ctx, rec, outputPath)

	// saved
	p.setStage(rec, database.StageSaved, progressSaved)
	if err := p.Images.MarkComplete(rec.ID); err != nil {
		return p.fail(rec, database.StageSaved, err)
	}
	if err := p.Sessions.IncrementCompleted(p.sessionDBID(), hourKey(time.Now())); err != nil {
		log.Printf("pipeline: failed to bump session counters: %v", err)
	}
	p.noteCompleted(time.Since(start))
	log.Printf("pipeline: completed %s (%s preset, %.1fs)", rec.Filename, applied.Preset, time.Since(start).Seconds())
	p.emit("image_complete", map[string]interface{}{
		"image_id": rec.ID,
		"filename": rec.Filename,
		"preset":   applied.Preset,
	})
	p.clearCurrent()
	return nil
}

func (p *Pipeline) generateTags(ctx context.Context, rec *models.Image, outputPath string) {
	if p.Tagger == nil {
		return
	}
	tagCtx, cancel := context.WithTimeout(ctx, p.Config.TaggerTimeout)
	defer cancel()

	tags, err := p.Tagger.GenerateTags(tagCtx, outputPath)
	if err != nil {
		if errors.Is(err, tagger.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("pipeline: tagging unavailable for %s, continuing without tags", rec.Filename)
		} else {
			log.Printf("pipeline: tagging failed for %s: %v", rec.Filename, err)
		}
		return
	}
	for _, t := range tags {
		confidence := t.Confidence
		tag := models.ImageTag{
			ImageID:    rec.ID,
			Tag:        t.Name,
			Source:     models.TagSourceAI,
			Confidence: &confidence,
		}
		if t.Category != "" {
			tag.Category = t.Category
		}
		if err := p.TagStore.Append(&tag); err != nil {
			log.Printf("pipeline: failed to store tag %q for %s: %v", t.Name, rec.Filename, err)
		}
	}
}

// saveArchivalCopies writes the optional lossless outputs next to the JPEG
func (p *Pipeline) saveArchivalCopies(img EnhancedImage, filename string) {
	if p.Config.EnableTIFFArchive {
		path := filepath.Join(p.Config.OutputDir, replaceExt(filename, ".tiff"))
		if err := img.Save(path, p.Config.JPEGQuality); err != nil {
			log.Printf("pipeline: tiff archive for %s failed: %v", filename, err)
		}
	}
	if p.Config.EnablePNGArchive {
		path := filepath.Join(p.Config.OutputDir, replaceExt(filename, ".png"))
		if err := img.Save(path, p.Config.JPEGQuality); err != nil {
			log.Printf("pipeline: png archive for %s failed: %v", filename, err)
		}
	}
}

// findOrCreateRecord resolves the record for an input file, creating a
// fresh pending one on first sight. A re-dropped file with a known name
// reuses its record so the unique filename index holds.
func (p *Pipeline) findOrCreateRecord(inputPath string) (*models.Image, error) {
	filename := filepath.Base(inputPath)
	rec, err := p.Images.GetByFilename(filename)
	if err == nil {
		if err := p.Images.SetOriginalPath(rec.ID, inputPath, filename); err != nil {
			return nil, err
		}
		rec.OriginalPath = inputPath
		return rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	rec = &models.Image{
		Filename:     filename,
		OriginalPath: inputPath,
		Status:       database.StatusPending,
	}
	stage := database.StageQueued
	rec.Stage = &stage
	if err := p.Images.Create(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// archiveName derives the chronological archive filename, appending a
// sequence suffix when the slot is already taken
func (p *Pipeline) archiveName(srcPath string, exifDate *time.Time) (string, error) {
	t := time.Now()
	if exifDate != nil {
		t = *exifDate
	} else if st, err := os.Stat(srcPath); err == nil {
		t = st.ModTime()
	}

	ext := strings.ToLower(filepath.Ext(srcPath))
	base := t.Format("2006-01-02_150405")

	name := base + ext
	for seq := 1; seq < 1000; seq++ {
		if p.nameAvailable(name) {
			return name, nil
		}
		name = fmt.Sprintf("%s_%03d%s", base, seq, ext)
	}
	return "", fmt.Errorf("no free archive name for %s at %s", filepath.Base(srcPath), base)
}

func (p *Pipeline) nameAvailable(name string) bool {
	if _, err := os.Stat(filepath.Join(p.Config.AnalysedDir, name)); err == nil {
		return false
	}
	_, err := p.Images.GetByFilename(name)
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// fail records a per-file failure and keeps the lane moving, except for
// resource exhaustion which halts the pipeline until an operator
// intervenes.
func (p *Pipeline) fail(rec *models.Image, stage string, err error) error {
	log.Printf("pipeline: %s failed at %s: %v", rec.Filename, stage, err)
	if markErr := p.Images.MarkError(rec.ID, err.Error()); markErr != nil {
		log.Printf("pipeline: failed to mark %s errored: %v", rec.Filename, markErr)
	}
	if id := p.sessionDBID(); id != 0 {
		entry := models.ErrorLogEntry{
			Filename:  rec.Filename,
			Error:     err.Error(),
			Stage:     stage,
			Timestamp: time.Now(),
		}
		if recErr := p.Sessions.RecordError(id, entry); recErr != nil {
			log.Printf("pipeline: failed to record session error: %v", recErr)
		}
	}
	p.emit("image_error", map[string]interface{}{
		"image_id": rec.ID,
		"filename": rec.Filename,
		"stage":    stage,
		"error":    err.Error(),
	})
	p.clearCurrent()
	p.mu.Lock()
	p.currentError = err.Error()
	p.mu.Unlock()

	if isResourceExhaustion(err) {
		p.halt(fmt.Sprintf("resource exhaustion at %s: %v", stage, err))
	}
	return nil
}

func (p *Pipeline) setStage(rec *models.Image, stage string, progress float64) {
	if err := p.Images.SetStage(rec.ID, database.StatusProcessing, stage, progress); err != nil {
		log.Printf("pipeline: failed to persist stage %s for %s: %v", stage, rec.Filename, err)
	}
	p.mu.Lock()
	p.currentFile = rec.Filename
	p.currentStage = stage
	p.currentProgress = progress
	p.currentError = ""
	p.lastActivity = time.Now()
	p.mu.Unlock()
	p.emit("stage_update", map[string]interface{}{
		"image_id": rec.ID,
		"filename": rec.Filename,
		"stage":    stage,
		"progress": progress,
	})
}

func (p *Pipeline) clearCurrent() {
	p.mu.Lock()
	p.currentFile = ""
	p.currentStage = ""
	p.currentProgress = 0
	p.mu.Unlock()
}

func (p *Pipeline) noteCompleted(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processingTimes = append(p.processingTimes, elapsed.Seconds())
	if len(p.processingTimes) > processingTimesLimit {
		p.processingTimes = p.processingTimes[len(p.processingTimes)-processingTimesLimit:]
	}
	p.lastActivity = time.Now()
}

// halt stops automatic processing; manual operations and the stats
// snapshot keep working so the operator can see what happened
func (p *Pipeline) halt(reason string) {
	p.mu.Lock()
	p.halted = true
	p.haltReason = reason
	p.mu.Unlock()
	log.Printf("pipeline: HALTED: %s", reason)
	p.emit("pipeline_halted", map[string]interface{}{"reason": reason})
}

// Resume clears a halt after the operator has freed resources
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.halted = false
	p.haltReason = ""
	p.mu.Unlock()
	log.Println("pipeline: resumed")
	p.emit("pipeline_resumed", nil)
}

func (p *Pipeline) isHalted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

func (p *Pipeline) haltState() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted, p.haltReason
}

func (p *Pipeline) sessionDBID() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return 0
	}
	return p.session.ID
}

func (p *Pipeline) emit(event string, payload interface{}) {
	if p.OnStatus != nil {
		p.OnStatus(event, payload)
	}
}

// broadcastStatus pushes a full stats snapshot to the realtime feed on
// every poll tick, so viewers see queue depth and throughput without
// requesting /api/stats
func (p *Pipeline) broadcastStatus() {
	if p.OnStatus == nil {
		return
	}
	stats, err := p.Snapshot()
	if err != nil {
		log.Printf("pipeline: stats broadcast skipped: %v", err)
		return
	}
	p.emit("pipeline_status", stats)
}

// hourKey buckets a timestamp for the session's hourly counters
func hourKey(t time.Time) string {
	return t.Truncate(time.Hour).Format("2006-01-02 15:04")
}

func replaceExt(filename, ext string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ext
}
