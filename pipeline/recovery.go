package pipeline

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/utils"
)

// Recover revalidates records a previous run left mid-lane against the
// filesystem. Records whose analysed artifact survived resume at
// duplicate_check; records still waiting on the input side are requeued
// for the watcher; pre-move records whose file is gone are dropped. It
// then walks the analysed directory for backlog files no record knows
// about.
func (p *Pipeline) Recover(ctx context.Context) error {
	records, err := p.Images.ListNonTerminal()
	if err != nil {
		return err
	}
	if len(records) > 0 {
		log.Printf("pipeline: recovering %d record(s) from previous run", len(records))
	}

	for i := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := records[i]
		if err := p.recoverRecord(ctx, &rec); err != nil {
			log.Printf("pipeline: recovery of %s failed: %v", rec.Filename, err)
		}
	}

	return p.recoverBacklog(ctx)
}

func (p *Pipeline) recoverRecord(ctx context.Context, rec *models.Image) error {
	stageOrd := -1
	if rec.Stage != nil {
		stageOrd = database.StageOrder[*rec.Stage]
	}

	if stageOrd >= database.StageOrder[database.StageMovedToAnalysed] {
		// past the move: the analysed artifact is the source of truth
		if _, err := os.Stat(rec.OriginalPath); err != nil {
			log.Printf("pipeline: %s lost its analysed artifact, marking errored", rec.Filename)
			return p.Images.MarkError(rec.ID, "analysed artifact missing after restart")
		}
		log.Printf("pipeline: resuming %s at duplicate_check", rec.Filename)
		p.laneMu.Lock()
		defer p.laneMu.Unlock()
		return p.processAnalysed(ctx, rec, time.Now())
	}

	// before the move: the input file is the source of truth and the
	// watcher will emit it again once it proves stable. A missing input
	// file means either the move finished just before the crash (the
	// backlog walk owns the analysed side) or the operator removed it;
	// either way the record has nothing left to describe.
	if _, err := os.Stat(rec.OriginalPath); err != nil {
		log.Printf("pipeline: %s vanished from input before the move, dropping the record", rec.Filename)
		return p.Images.Delete(rec.ID)
	}
	log.Printf("pipeline: requeueing %s for re-ingestion", rec.Filename)
	p.Watcher.Forget(rec.OriginalPath)
	return p.Images.SetStage(rec.ID, database.StatusPending, database.StageQueued, 0)
}

// recoverBacklog picks up analysed files that predate the database or
// whose records were lost: anything without a record and without an
// enhanced output gets a fresh record and runs from duplicate_check.
func (p *Pipeline) recoverBacklog(ctx context.Context) error {
	entries, err := os.ReadDir(p.Config.AnalysedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !utils.IsRasterImage(entry.Name()) {
			continue
		}

		if _, err := p.Images.GetByFilename(entry.Name()); err == nil {
			continue
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		outputPath := filepath.Join(p.Config.OutputDir, replaceExt(entry.Name(), ".jpg"))
		if _, err := os.Stat(outputPath); err == nil {
			// enhanced output exists but the record is gone; leave the
			// files alone rather than reprocess them
			log.Printf("pipeline: %s has output but no record, leaving as-is", entry.Name())
			continue
		}

		log.Printf("pipeline: backlog file %s, processing", entry.Name())
		analysedPath := filepath.Join(p.Config.AnalysedDir, entry.Name())
		rec := &models.Image{
			Filename:     entry.Name(),
			OriginalPath: analysedPath,
			Status:       database.StatusPending,
		}
		stage := database.StageMovedToAnalysed
		rec.Stage = &stage
		if err := p.Images.Create(rec); err != nil {
			log.Printf("pipeline: failed to create backlog record for %s: %v", entry.Name(), err)
			continue
		}

		p.laneMu.Lock()
		err := p.processAnalysed(ctx, rec, time.Now())
		p.laneMu.Unlock()
		if err != nil {
			log.Printf("pipeline: backlog processing of %s failed: %v", entry.Name(), err)
		}
		if p.isHalted() {
			return nil
		}
	}
	return nil
}
