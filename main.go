package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/mdopp/diabay/config"
	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/dedup"
	"github.com/mdopp/diabay/enhance"
	"github.com/mdopp/diabay/handlers"
	"github.com/mdopp/diabay/pipeline"
	"github.com/mdopp/diabay/realtime"
	"github.com/mdopp/diabay/repository"
	"github.com/mdopp/diabay/tagger"
	"github.com/mdopp/diabay/watcher"
)

// enhancerAdapter bridges the OpenCV-backed processor to the pipeline's
// Enhancer interface
type enhancerAdapter struct {
	processor *enhance.Processor
}

func (a *enhancerAdapter) Enhance(srcPath, mode string) (pipeline.EnhancedImage, pipeline.Applied, error) {
	result, err := a.processor.Enhance(srcPath, mode)
	if err != nil {
		return nil, pipeline.Applied{}, err
	}
	applied := pipeline.Applied{
		Preset:        result.Preset,
		HistogramClip: result.HistogramClip,
		CLAHEClip:     result.CLAHEClip,
		FaceDetected:  result.FaceDetected,
	}
	return result, applied, nil
}

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if cfg.EnableJPEGXL {
		log.Println("Warning: JPEG XL output is not supported, ENABLE_JPEG_XL is ignored")
	}

	for _, p := range cfg.StorageDirs() {
		log.Printf("Ensuring storage directory exists: %s", p)
		if err := os.MkdirAll(p, 0755); err != nil {
			log.Fatalf("FATAL: Failed to create storage directory %s: %v", p, err)
		}
	}

	gormDB, err := database.InitGormDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database: %v", err)
	}
	if err := database.AutoMigrateModels(gormDB); err != nil {
		log.Fatalf("FATAL: Failed to migrate database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("FATAL: Failed to get underlying sql.DB: %v", err)
	}
	defer sqlDB.Close()

	imageRepo := repository.NewImageRepository(gormDB)
	fingerprintRepo := repository.NewFingerprintRepository(gormDB)
	tagRepo := repository.NewTagRepository(gormDB)
	sessionRepo := repository.NewSessionRepository(gormDB)

	hub := realtime.NewHub()
	go hub.Run()

	var faceDetector *enhance.FaceDetector
	if cfg.EnableFaceDetection {
		faceDetector = enhance.NewFaceDetector(cfg.FaceDNNNetConfigPath, cfg.FaceDNNNetModelPath)
		defer faceDetector.Close()
	}
	processor := enhance.NewProcessor(cfg.AdaptiveCLAHEGrid, cfg.EnableFaceDetection, faceDetector)

	hasher := dedup.NewPerceptionHasher()
	detector := &dedup.Detector{
		Images:       imageRepo,
		Fingerprints: fingerprintRepo,
		Hasher:       hasher,
		InputDir:     cfg.InputDir,
		OutputDir:    cfg.OutputDir,
		Workers:      cfg.ScanWorkers,
	}

	var tagBackend tagger.Tagger = tagger.Disabled{}
	if cfg.TaggerURL != "" {
		log.Printf("Using tagging backend at %s", cfg.TaggerURL)
		tagBackend = tagger.NewHTTPTagger(cfg.TaggerURL, cfg.TaggerTimeout)
	}

	pipe := &pipeline.Pipeline{
		Config:       cfg,
		Images:       imageRepo,
		Fingerprints: fingerprintRepo,
		TagStore:     tagRepo,
		Sessions:     sessionRepo,
		Watcher:      watcher.New(cfg.InputDir, cfg.DebounceInterval),
		Detector:     detector,
		Hasher:       hasher,
		Enhancer:     &enhancerAdapter{processor: processor},
		Tagger:       tagBackend,
		StatsDB:      sqlDB,
		Mode:         enhance.ModeAuto,
		OnStatus:     hub.Broadcast,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Pipeline stopped: %v", err)
		}
	}()

	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"}, //TODO: configurable
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsHandler.Handler)

	statsHandler := &handlers.StatsHandler{Pipeline: pipe}
	imageHandler := &handlers.ImageHandler{Images: imageRepo, Tags: tagRepo, Pipeline: pipe}
	duplicateHandler := &handlers.DuplicateHandler{Detector: detector, Pipeline: pipe, DefaultThreshold: cfg.DuplicateThreshold}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", statsHandler.GetStats)
		r.Post("/pipeline/resume", statsHandler.ResumePipeline)

		r.Route("/images", func(r chi.Router) {
			r.Get("/", imageHandler.ListImages)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", imageHandler.GetImage)
				r.Delete("/", imageHandler.DeleteImage)
				r.Post("/rotate", imageHandler.RotateImage)
				r.Post("/reprocess", imageHandler.ReprocessImage)
				r.Post("/use-original", imageHandler.UseOriginal)
				r.Post("/retry", imageHandler.RetryImage)
				r.Route("/tags", func(r chi.Router) {
					r.Get("/", imageHandler.ListTags)
					r.Post("/", imageHandler.AddTag)
				})
			})
		})

		r.Route("/duplicates", func(r chi.Router) {
			r.Post("/scan", duplicateHandler.StartScan)
			r.Get("/progress", duplicateHandler.GetProgress)
			r.Get("/results", duplicateHandler.GetResults)
			r.Post("/cancel", duplicateHandler.CancelScan)
			r.Delete("/members", duplicateHandler.DeleteMembers)
		})

		r.Get("/ws", hub.ServeWS)
		r.Get("/output/*", handlers.AssetServer(cfg.OutputDir, "output"))
		r.Get("/thumbnails/*", handlers.AssetServer(cfg.ThumbnailsDir, "thumbnails"))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Starting server on port %s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("FATAL: Server failed: %v", err)
	}
	log.Println("Server stopped")
}
