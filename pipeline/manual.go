package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/repository"
	"github.com/mdopp/diabay/utils"
)

// Manual operations act on already-processed records at the operator's
// request. They take the lane mutex, so they never overlap automatic
// processing. Records keep their identity: created_at, fingerprint and
// tags survive every manual operation except deletion.

// Reprocess re-runs enhancement on the analysed original under a new
// mode and replaces the enhanced output in place.
func (p *Pipeline) Reprocess(id uint, mode string) error {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	rec, err := p.Images.GetByID(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(rec.OriginalPath); err != nil {
		return fmt.Errorf("pipeline: analysed original for image %d missing: %w", id, err)
	}

	img, applied, err := p.Enhancer.Enhance(rec.OriginalPath, mode)
	if err != nil {
		return fmt.Errorf("pipeline: reprocess of image %d failed: %w", id, err)
	}
	defer img.Close()

	outputPath := filepath.Join(p.Config.OutputDir, replaceExt(rec.Filename, ".jpg"))
	if err := img.Save(outputPath, p.Config.JPEGQuality); err != nil {
		return fmt.Errorf("pipeline: failed to save reprocessed image %d: %w", id, err)
	}
	width, height := img.Bounds()

	var fileSize int64
	if st, err := os.Stat(outputPath); err == nil {
		fileSize = st.Size()
	}
	if err := p.Images.SetEnhancementResult(id, repository.EnhancementResult{
		EnhancedPath:  outputPath,
		Preset:        applied.Preset,
		HistogramClip: applied.HistogramClip,
		CLAHEClip:     applied.CLAHEClip,
		FaceDetected:  applied.FaceDetected,
		Width:         width,
		Height:        height,
		FileSize:      fileSize,
	}); err != nil {
		return err
	}
	if err := p.Images.MarkComplete(id); err != nil {
		return err
	}
	if _, err := utils.GenerateThumbnail(outputPath, p.Config.ThumbnailsDir, p.Config.ThumbnailMaxSize); err != nil {
		log.Printf("pipeline: thumbnail after reprocess of image %d failed: %v", id, err)
	}

	// tag only if the image never got AI tags, they describe content and
	// content did not change
	if aiTags, err := p.TagStore.CountBySource(id, models.TagSourceAI); err == nil && aiTags == 0 {
		p.generateTags(context.Background(), rec, outputPath)
	}

	log.Printf("pipeline: reprocessed image %d with mode %s", id, mode)
	p.emit("image_reprocessed", map[string]interface{}{
		"image_id": id,
		"preset":   applied.Preset,
	})
	return nil
}

// UseOriginal replaces the enhanced output with an unenhanced conversion
// of the analysed original
func (p *Pipeline) UseOriginal(id uint) error {
	return p.Reprocess(id, "original")
}

// Rotate turns the enhanced output by degrees (90, 180 or 270 clockwise)
// and refreshes the stored dimensions and thumbnail. The analysed
// original is left untouched so a later reprocess starts clean.
func (p *Pipeline) Rotate(id uint, degrees int) error {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	rec, err := p.Images.GetByID(id)
	if err != nil {
		return err
	}
	if rec.EnhancedPath == nil {
		return fmt.Errorf("pipeline: image %d has no enhanced output to rotate", id)
	}

	img, err := imaging.Open(*rec.EnhancedPath)
	if err != nil {
		return fmt.Errorf("pipeline: failed to open %s for rotation: %w", *rec.EnhancedPath, err)
	}

	// imaging rotates counter-clockwise; the API is clockwise
	switch degrees {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	default:
		return fmt.Errorf("pipeline: unsupported rotation %d, want 90, 180 or 270", degrees)
	}

	if err := imaging.Save(img, *rec.EnhancedPath, imaging.JPEGQuality(p.Config.JPEGQuality)); err != nil {
		return fmt.Errorf("pipeline: failed to save rotated image %d: %w", id, err)
	}

	bounds := img.Bounds()
	if err := p.Images.SetDimensions(id, bounds.Dx(), bounds.Dy()); err != nil {
		return err
	}
	if _, err := utils.GenerateThumbnail(*rec.EnhancedPath, p.Config.ThumbnailsDir, p.Config.ThumbnailMaxSize); err != nil {
		log.Printf("pipeline: thumbnail after rotation of image %d failed: %v", id, err)
	}

	log.Printf("pipeline: rotated image %d by %d degrees", id, degrees)
	p.emit("image_rotated", map[string]interface{}{
		"image_id": id,
		"degrees":  degrees,
	})
	return nil
}

// DeleteImage removes the record and every artifact: enhanced output,
// thumbnail and the analysed original. Tags and fingerprint cascade with
// the record.
func (p *Pipeline) DeleteImage(id uint) error {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	rec, err := p.Images.GetByID(id)
	if err != nil {
		return err
	}

	if rec.EnhancedPath != nil {
		removeQuietly(*rec.EnhancedPath)
		thumb := filepath.Join(p.Config.ThumbnailsDir, replaceExt(filepath.Base(*rec.EnhancedPath), ".jpg"))
		removeQuietly(thumb)
	}
	removeQuietly(rec.OriginalPath)

	if err := p.Images.Delete(id); err != nil {
		return err
	}

	log.Printf("pipeline: deleted image %d (%s)", id, rec.Filename)
	p.emit("image_deleted", map[string]interface{}{
		"image_id": id,
		"filename": rec.Filename,
	})
	return nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("pipeline: failed to remove %s: %v", path, err)
	}
}

// RetryErrored requeues an errored record whose source still exists
func (p *Pipeline) RetryErrored(id uint) error {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	rec, err := p.Images.GetByID(id)
	if err != nil {
		return err
	}
	if rec.Status != database.StatusError {
		return fmt.Errorf("pipeline: image %d is %s, only errored records can be retried", id, rec.Status)
	}
	if _, err := os.Stat(rec.OriginalPath); err != nil {
		return fmt.Errorf("pipeline: source for image %d missing: %w", id, err)
	}

	// if the file already made it to the analysed directory the stage
	// lane resumes there, otherwise the watcher re-ingests it
	stage := database.StageQueued
	if filepath.Dir(rec.OriginalPath) == p.Config.AnalysedDir {
		stage = database.StageMovedToAnalysed
	}
	if err := p.Images.SetStage(rec.ID, database.StatusPending, stage, 0); err != nil {
		return err
	}
	if stage == database.StageQueued {
		p.Watcher.Forget(rec.OriginalPath)
		return nil
	}

	go func() {
		p.laneMu.Lock()
		defer p.laneMu.Unlock()
		if err := p.processAnalysed(context.Background(), rec, time.Now()); err != nil {
			log.Printf("pipeline: retry of image %d failed: %v", id, err)
		}
	}()
	return nil
}
