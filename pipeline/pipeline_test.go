package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/config"
	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/dedup"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/repository"
	"github.com/mdopp/diabay/tagger"
	"github.com/mdopp/diabay/watcher"
)

// fakeImage satisfies EnhancedImage by copying the source bytes
type fakeImage struct {
	data []byte
}

func (f *fakeImage) Save(path string, quality int) error {
	return os.WriteFile(path, f.data, 0644)
}

func (f *fakeImage) Bounds() (int, int) { return 100, 80 }
func (f *fakeImage) Close() error       { return nil }

// fakeEnhancer passes pixels through; failWith simulates decode or save
// failures for files whose name contains failOn
type fakeEnhancer struct {
	failOn   string
	failWith error
}

func (e *fakeEnhancer) Enhance(srcPath, mode string) (EnhancedImage, Applied, error) {
	if e.failOn != "" && strings.Contains(srcPath, e.failOn) {
		return nil, Applied{}, e.failWith
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, Applied{}, err
	}
	return &fakeImage{data: data}, Applied{
		Preset:        "balanced",
		HistogramClip: 0.5,
		CLAHEClip:     1.5,
	}, nil
}

// contentHasher fingerprints by file content, so byte-identical files
// are exact duplicates and everything else is maximally distant
type contentHasher struct{}

func (contentHasher) Compute(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func (contentHasher) Distance(a, b string) (float64, error) {
	if a == b {
		return 0, nil
	}
	return 1, nil
}

func (contentHasher) Algorithm() string { return "content" }

type testEnv struct {
	pipe     *Pipeline
	images   *repository.ImageRepository
	sessions *repository.SessionRepository
	enhancer *fakeEnhancer
	cfg      config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		InputDir:           filepath.Join(root, "input"),
		AnalysedDir:        filepath.Join(root, "analysed"),
		OutputDir:          filepath.Join(root, "output"),
		ThumbnailsDir:      filepath.Join(root, "thumbnails"),
		DatabasePath:       filepath.Join(root, "test.db"),
		JPEGQuality:        95,
		DuplicateThreshold: 0.95,
		AutoSkipDuplicates: true,
		ScanWorkers:        1,
		ThumbnailMaxSize:   300,
		TaggerTimeout:      time.Second,
		DebounceInterval:   time.Second,
	}
	for _, dir := range []string{cfg.InputDir, cfg.AnalysedDir, cfg.OutputDir, cfg.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	db, err := database.InitGormDB(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrateModels(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	images := repository.NewImageRepository(db)
	fingerprints := repository.NewFingerprintRepository(db)
	tags := repository.NewTagRepository(db)
	sessions := repository.NewSessionRepository(db)
	hasher := contentHasher{}
	enhancer := &fakeEnhancer{}

	pipe := &Pipeline{
		Config:       cfg,
		Images:       images,
		Fingerprints: fingerprints,
		TagStore:     tags,
		Sessions:     sessions,
		Watcher:      watcher.New(cfg.InputDir, cfg.DebounceInterval),
		Detector: &dedup.Detector{
			Images:       images,
			Fingerprints: fingerprints,
			Hasher:       hasher,
			InputDir:     cfg.InputDir,
			OutputDir:    cfg.OutputDir,
			Workers:      1,
		},
		Hasher:   hasher,
		Enhancer: enhancer,
		Tagger:   tagger.Disabled{},
		Mode:     "balanced",
	}

	session, err := sessions.Begin("test-" + t.Name())
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
	pipe.session = session
	pipe.sessionStart = time.Now()

	return &testEnv{pipe: pipe, images: images, sessions: sessions, enhancer: enhancer, cfg: cfg}
}

func (env *testEnv) dropInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(env.cfg.InputDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	return len(entries)
}

func TestProcessFileHappyPath(t *testing.T) {
	env := newTestEnv(t)
	path := env.dropInput(t, "scan_0001.tif", "unique pixels one")

	if err := env.pipe.ProcessFile(context.Background(), path); err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("input file still present after processing")
	}
	if n := countFiles(t, env.cfg.AnalysedDir); n != 1 {
		t.Errorf("analysed dir has %d files, want 1", n)
	}
	if n := countFiles(t, env.cfg.OutputDir); n != 1 {
		t.Errorf("output dir has %d files, want 1", n)
	}

	records, err := env.images.ListComplete()
	if err != nil {
		t.Fatalf("ListComplete failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d complete records, want 1", len(records))
	}
	rec := records[0]
	if rec.Stage == nil || *rec.Stage != database.StageSaved {
		t.Errorf("stage = %v, want saved", rec.Stage)
	}
	if rec.EnhancedPath == nil || !strings.HasSuffix(*rec.EnhancedPath, ".jpg") {
		t.Errorf("enhanced path = %v, want a .jpg", rec.EnhancedPath)
	}
	if rec.Preset == nil || *rec.Preset != "balanced" {
		t.Errorf("preset = %v, want balanced", rec.Preset)
	}
	if rec.Width == nil || *rec.Width != 100 {
		t.Errorf("width = %v, want 100", rec.Width)
	}
	// the archive filename is chronological, not the scanner's counter
	if rec.Filename == "scan_0001.tif" {
		t.Error("record kept the scanner filename, want archive name")
	}

	fresh, err := env.sessions.GetActive()
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if fresh.CompletedCount != 1 {
		t.Errorf("session completed = %d, want 1", fresh.CompletedCount)
	}
}

func TestProcessFileAutoSkipsDuplicate(t *testing.T) {
	env := newTestEnv(t)

	first := env.dropInput(t, "scan_0001.tif", "same pixels")
	if err := env.pipe.ProcessFile(context.Background(), first); err != nil {
		t.Fatalf("first ProcessFile failed: %v", err)
	}

	second := env.dropInput(t, "scan_0002.tif", "same pixels")
	if err := env.pipe.ProcessFile(context.Background(), second); err != nil {
		t.Fatalf("second ProcessFile failed: %v", err)
	}

	if n := countFiles(t, env.cfg.OutputDir); n != 1 {
		t.Errorf("output dir has %d files, want 1 (duplicate must not be enhanced)", n)
	}

	statuses, err := database.CountImagesByStatus(mustSQLDB(t, env))
	if err != nil {
		t.Fatalf("CountImagesByStatus failed: %v", err)
	}
	if statuses[database.StatusComplete] != 1 || statuses[database.StatusSkipped] != 1 {
		t.Errorf("status counts = %v, want one complete and one skipped", statuses)
	}
}

func TestProcessFileCorruptInputContinues(t *testing.T) {
	env := newTestEnv(t)
	env.enhancer.failOn = env.cfg.AnalysedDir
	env.enhancer.failWith = &CorruptInputError{Path: "scan_0001.tif", Err: fmt.Errorf("truncated TIFF")}

	bad := env.dropInput(t, "scan_0001.tif", "corrupt pixels")
	if err := env.pipe.ProcessFile(context.Background(), bad); err != nil {
		t.Fatalf("ProcessFile returned lane error for corrupt input: %v", err)
	}

	if env.pipe.isHalted() {
		t.Fatal("corrupt input halted the pipeline")
	}

	// the lane keeps moving for the next file
	env.enhancer.failOn = ""
	good := env.dropInput(t, "scan_0002.tif", "good pixels")
	if err := env.pipe.ProcessFile(context.Background(), good); err != nil {
		t.Fatalf("ProcessFile after corrupt input failed: %v", err)
	}

	fresh, err := env.sessions.GetActive()
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if fresh.ErrorCount != 1 || fresh.CompletedCount != 1 {
		t.Errorf("session counters = %d errors / %d completed, want 1/1",
			fresh.ErrorCount, fresh.CompletedCount)
	}

	ring, err := env.sessions.ErrorLog(env.pipe.session.ID)
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(ring) != 1 || ring[0].Stage != database.StageEnhancing {
		t.Errorf("error ring = %+v, want one entry at enhancing", ring)
	}
}

func TestResourceExhaustionHaltsPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.enhancer.failOn = env.cfg.AnalysedDir
	env.enhancer.failWith = fmt.Errorf("save output: %w", syscall.ENOSPC)

	path := env.dropInput(t, "scan_0001.tif", "pixels")
	if err := env.pipe.ProcessFile(context.Background(), path); err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}

	if !env.pipe.isHalted() {
		t.Fatal("ENOSPC did not halt the pipeline")
	}

	next := env.dropInput(t, "scan_0002.tif", "more pixels")
	if err := env.pipe.ProcessFile(context.Background(), next); err == nil {
		t.Error("halted pipeline accepted more work")
	}

	env.pipe.Resume()
	env.enhancer.failOn = ""
	if err := env.pipe.ProcessFile(context.Background(), next); err != nil {
		t.Fatalf("ProcessFile after resume failed: %v", err)
	}
}

func TestRecoverResumesAfterMove(t *testing.T) {
	env := newTestEnv(t)

	// a previous run crashed mid-enhancement: the analysed artifact
	// exists, the output does not
	name := "2026-01-01_100000.tif"
	analysedPath := filepath.Join(env.cfg.AnalysedDir, name)
	if err := os.WriteFile(analysedPath, []byte("interrupted pixels"), 0644); err != nil {
		t.Fatalf("failed to write analysed file: %v", err)
	}
	stage := database.StageEnhancing
	rec := &models.Image{
		Filename:     name,
		OriginalPath: analysedPath,
		Status:       database.StatusProcessing,
		Stage:        &stage,
	}
	if err := env.images.Create(rec); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.images.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != database.StatusComplete {
		t.Errorf("status = %s, want complete", got.Status)
	}
	if n := countFiles(t, env.cfg.OutputDir); n != 1 {
		t.Errorf("output dir has %d files, want 1", n)
	}
}

func TestRecoverRequeuesBeforeMove(t *testing.T) {
	env := newTestEnv(t)

	inputPath := env.dropInput(t, "scan_0001.tif", "pixels")
	stage := database.StageRenaming
	rec := &models.Image{
		Filename:     "scan_0001.tif",
		OriginalPath: inputPath,
		Status:       database.StatusProcessing,
		Stage:        &stage,
	}
	if err := env.images.Create(rec); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.images.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != database.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Stage == nil || *got.Stage != database.StageQueued {
		t.Errorf("stage = %v, want queued", got.Stage)
	}
	if _, err := os.Stat(inputPath); err != nil {
		t.Error("input file disappeared during requeue")
	}
}

func TestRecoverErrorsMissingArtifact(t *testing.T) {
	env := newTestEnv(t)

	stage := database.StageEnhancing
	rec := &models.Image{
		Filename:     "2026-01-01_100000.tif",
		OriginalPath: filepath.Join(env.cfg.AnalysedDir, "2026-01-01_100000.tif"),
		Status:       database.StatusProcessing,
		Stage:        &stage,
	}
	if err := env.images.Create(rec); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.images.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != database.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.LastError == nil {
		t.Error("missing artifact left no error message")
	}
}

func TestRecoverCrashBeforeMoveKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)

	// a previous run crashed mid-rename: the stage was persisted but the
	// file never left the input directory
	inputPath := env.dropInput(t, "scan_0001.tif", "pixels")
	stage := database.StageRenaming
	rec := &models.Image{
		Filename:     "scan_0001.tif",
		OriginalPath: inputPath,
		Status:       database.StatusProcessing,
		Stage:        &stage,
	}
	if err := env.images.Create(rec); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	got, err := env.images.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != database.StatusPending {
		t.Fatalf("status after recovery = %s, want pending (requeued, not errored)", got.Status)
	}

	// the requeued file runs the whole lane under its existing record
	if err := env.pipe.ProcessFile(context.Background(), inputPath); err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	records, err := env.images.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("one physical file produced %d records, want 1", len(records))
	}
	if records[0].Status != database.StatusComplete {
		t.Errorf("status = %s, want complete", records[0].Status)
	}
}

func TestRecoverCrashAfterMoveKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)

	// the move finished but the crash hit before the record learned the
	// new path: the stale record still points into input/
	name := "2026-01-01_100000.tif"
	if err := os.WriteFile(filepath.Join(env.cfg.AnalysedDir, name), []byte("moved pixels"), 0644); err != nil {
		t.Fatalf("failed to write analysed file: %v", err)
	}
	stage := database.StageRenaming
	rec := &models.Image{
		Filename:     "scan_0001.tif",
		OriginalPath: filepath.Join(env.cfg.InputDir, "scan_0001.tif"),
		Status:       database.StatusProcessing,
		Stage:        &stage,
	}
	if err := env.images.Create(rec); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	// the stale record is dropped and the backlog walk owns the file
	if _, err := env.images.GetByID(rec.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("stale record survived recovery: %v", err)
	}
	got, err := env.images.GetByFilename(name)
	if err != nil {
		t.Fatalf("backlog record not created: %v", err)
	}
	if got.Status != database.StatusComplete {
		t.Errorf("status = %s, want complete", got.Status)
	}
	records, err := env.images.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("one physical file produced %d records, want 1", len(records))
	}
}

func TestRecoverBacklogPicksUpOrphans(t *testing.T) {
	env := newTestEnv(t)

	// a file in the analysed directory that no record knows about
	orphan := filepath.Join(env.cfg.AnalysedDir, "2026-01-02_090000.tif")
	if err := os.WriteFile(orphan, []byte("orphan pixels"), 0644); err != nil {
		t.Fatalf("failed to write orphan: %v", err)
	}

	if err := env.pipe.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	rec, err := env.images.GetByFilename("2026-01-02_090000.tif")
	if err != nil {
		t.Fatalf("backlog record not created: %v", err)
	}
	if rec.Status != database.StatusComplete {
		t.Errorf("status = %s, want complete", rec.Status)
	}
	if n := countFiles(t, env.cfg.OutputDir); n != 1 {
		t.Errorf("output dir has %d files, want 1", n)
	}
}

func TestArchiveNameCollisionGetsSequence(t *testing.T) {
	env := newTestEnv(t)

	// occupy the base slot in the analysed directory
	stamp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)
	taken := filepath.Join(env.cfg.AnalysedDir, stamp.Format("2006-01-02_150405")+".tif")
	if err := os.WriteFile(taken, []byte("already there"), 0644); err != nil {
		t.Fatalf("failed to write existing file: %v", err)
	}

	name, err := env.pipe.archiveName(env.dropInput(t, "scan_0001.tif", "pixels"), &stamp)
	if err != nil {
		t.Fatalf("archiveName failed: %v", err)
	}
	want := stamp.Format("2006-01-02_150405") + "_001.tif"
	if name != want {
		t.Errorf("archive name = %s, want %s", name, want)
	}
}

func mustSQLDB(t *testing.T, env *testEnv) *sql.DB {
	t.Helper()
	sqlDB, err := env.images.DB.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	return sqlDB
}
