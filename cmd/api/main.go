package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/app"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/cache"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/config"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/database"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/middleware"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/queue"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/storage"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/webhook"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.WithField("service", "api")

	// Runs outlive the request that started them and end with the process
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	api := &API{
		runCtx:    runCtx,
		outputDir: cfg.Pipeline.OutputDir,
		uploadDir: cfg.Pipeline.UploadDir,
		logger:    logger,
		health:    map[string]HealthChecker{},
	}
	var observers []controller.Observer
	var revealers []pipeline.Revealer
	var repo *database.Repository
	var publisher *storage.Publisher
	var queueStats monitoring.QueueProvider
	var outcomeStats monitoring.StatsProvider

	if cfg.Database.Host != "" {
		db, err := database.New(cfg.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(runCtx); err != nil {
			logger.Fatalf("Failed to migrate database: %v", err)
		}
		repo = database.NewRepository(db)
		api.runs = repo
		api.health["database"] = db.Health
		observers = append(observers, database.NewRecorder(repo, logger))
	}

	if cfg.Redis.Host != "" {
		c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer c.Close()
		api.states = c
		outcomeStats = c
		api.health["redis"] = c.Ping
		observers = append(observers, cache.NewRunMirror(c, cfg.Redis.TTL, logger))
	}

	if cfg.Storage.Endpoint != "" {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		publisher = storage.NewPublisher(stor, "outputs", logger)
		revealers = append(revealers, publisher)
	}

	if len(cfg.Webhook.URLs) > 0 {
		hooks := webhook.NewService(webhook.Config{
			URLs:       cfg.Webhook.URLs,
			Secret:     cfg.Webhook.Secret,
			Timeout:    cfg.Webhook.Timeout,
			MaxRetries: cfg.Webhook.MaxRetries,
		}, logger)
		defer hooks.Close()
		observers = append(observers, webhook.NewObserver(hooks))
	}

	if q, err := queue.New(cfg.Queue); err != nil {
		logger.WarnWithErr("Run queue unavailable, POST /api/v1/runs disabled", err)
	} else {
		defer q.Close()
		api.queue = q
		queueStats = q
	}

	if queueStats != nil || outcomeStats != nil {
		api.monitor = monitoring.NewMonitor(queueStats, outcomeStats, 10*time.Second, logger)
		api.monitor.Start(runCtx)
	}

	a, err := app.New(runCtx, cfg, logger, app.Options{Observers: observers, Revealers: revealers})
	if err != nil {
		logger.Fatalf("Failed to initialize pipeline: %v", err)
	}
	api.ctl = a.Controller

	if publisher != nil && repo != nil {
		// Reveal runs inside the export stage, so the status still names its run
		publisher.OnPublished = func(outputPath, url string) {
			runID := a.Controller.Status().RunID
			if err := repo.UpdateRunOutput(runCtx, runID, outputPath, url); err != nil {
				logger.WithRunID(runID).WarnWithErr("Failed to record output URL", err)
			}
		}
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Port)
		ms.SetReadiness(func() error { return runCtx.Err() })
		go func() {
			if err := ms.Start(); err != nil && err != http.ErrServerClosed {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
		defer ms.Shutdown(context.Background())
	}

	gin.SetMode(gin.ReleaseMode)
	auth := middleware.NewAuthenticator(cfg.Server.APIKeys, cfg.Server.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	router := setupRouter(api, auth, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}
	stopRuns()
	if err := a.Close(ctx); err != nil {
		logger.WarnWithErr("Pipeline did not stop cleanly", err)
	}

	logger.Info("Server stopped")
}
