package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/db"
	"github.com/sanjoekurian/sdpip-backend/internal/handlers"
	"github.com/sanjoekurian/sdpip-backend/internal/jobs"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/observability"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/server"
	"github.com/sanjoekurian/sdpip-backend/internal/services"
	"github.com/sanjoekurian/sdpip-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("Could not load config", "error", err)
	}

	// Tracing
	ctx := context.Background()
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "sdpip-backend",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	documentRepo := repos.NewDocumentRepo(thePG, log)
	jobRepo := repos.NewPipelineJobRepo(thePG, log)
	artifactRepo := repos.NewArtifactRepo(thePG, log)
	sessionRepo := repos.NewChatSessionRepo(thePG, log)

	// Services
	log.Info("Setting up services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Fatal("Could not init BucketService", "error", err)
	}
	openaiClient, err := services.NewOpenAIClient(log)
	if err != nil {
		log.Fatal("Could not init OpenAIClient", "error", err)
	}

	docaiAdapter, err := services.NewDocAIAdapter(log)
	if err != nil {
		log.Fatal("Could not init DocAIAdapter", "error", err)
	}
	visionAdapter, err := services.NewVisionAdapter(log)
	if err != nil {
		log.Fatal("Could not init VisionAdapter", "error", err)
	}
	extraction := services.NewCompositeAdapter(log, docaiAdapter, visionAdapter)
	defer extraction.Close()

	analysisCache, err := services.NewRedisAnalysisCache(log)
	if err != nil {
		log.Warn("Redis unavailable, using in-memory analysis cache", "error", err)
		analysisCache = services.NewMemoryAnalysisCache()
	}

	normalizer := services.NewNormalizerService(log, cfg.Normalizer, extraction)
	piiEngine := services.NewPIIEngine(log, cfg.PII)
	analysisService := services.NewAnalysisService(log, cfg.Analysis, openaiClient, analysisCache)
	pipelineService := services.NewPipelineService(log, cfg, bucketService, normalizer, piiEngine, analysisService, documentRepo, jobRepo, artifactRepo)
	chatService := services.NewChatService(log, cfg.Chat, openaiClient, bucketService, documentRepo, jobRepo, artifactRepo, sessionRepo)
	reportService := services.NewReportService(log, bucketService, documentRepo, jobRepo, artifactRepo)

	// Worker
	worker := jobs.NewWorker(log, cfg.Worker, jobRepo, pipelineService)
	worker.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	documentHandler := handlers.NewDocumentHandler(log, pipelineService, reportService)
	jobHandler := handlers.NewJobHandler(log, pipelineService)
	chatHandler := handlers.NewChatHandler(log, chatService)

	// Router
	router := server.NewRouter(server.RouterConfig{
		DocumentHandler: documentHandler,
		JobHandler:      jobHandler,
		ChatHandler:     chatHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	stop, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-stop.Done()

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown error", "error", err)
	}
	worker.Stop()
	if otelShutdown != nil {
		_ = otelShutdown(shutdownCtx)
	}
}
