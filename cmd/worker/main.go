package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/app"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/cache"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/config"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/database"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
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

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	logger = logger.WithField("service", "worker").WithWorkerID(workerID)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &Worker{
		ID:       workerID,
		lockWait: 30 * time.Second,
		workDir:  cfg.Pipeline.UploadDir,
		logger:   logger,
	}
	var observers []controller.Observer
	var revealers []pipeline.Revealer
	var repo *database.Repository

	if cfg.Database.Host != "" {
		db, err := database.New(cfg.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatalf("Failed to migrate database: %v", err)
		}
		repo = database.NewRepository(db)
		w.runs = repo
		observers = append(observers, database.NewRecorder(repo, logger))
	}

	if cfg.Redis.Host != "" {
		c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer c.Close()
		observers = append(observers, cache.NewRunMirror(c, cfg.Redis.TTL, logger))

		frameDir, _ := filepath.Abs(cfg.Pipeline.FrameDir)
		labelDir, _ := filepath.Abs(cfg.Pipeline.LabelDir)
		w.lock = cache.NewWorkspaceLock(c, cache.WorkspaceResource(frameDir, labelDir), workerID, cfg.Redis.LockTTL, logger)
	}

	var publisher *storage.Publisher
	if cfg.Storage.Endpoint != "" {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		w.fetcher = stor
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

	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	a, err := app.New(ctx, cfg, logger, app.Options{Observers: observers, Revealers: revealers})
	if err != nil {
		logger.Fatalf("Failed to initialize pipeline: %v", err)
	}
	w.runner = a.Controller

	if publisher != nil && repo != nil {
		publisher.OnPublished = func(outputPath, url string) {
			runID := a.Controller.Status().RunID
			if err := repo.UpdateRunOutput(context.Background(), runID, outputPath, url); err != nil {
				logger.WithRunID(runID).WarnWithErr("Failed to record output URL", err)
			}
		}
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Port)
		ms.SetReadiness(func() error {
			if ctx.Err() != nil {
				return errors.New("worker is shutting down")
			}
			return nil
		})
		go func() {
			if err := ms.Start(); err != nil && err != http.ErrServerClosed {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
		defer ms.Shutdown(context.Background())
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	logger.WithField("queue", cfg.Queue.Name).Info("Worker started, waiting for runs...")
	if err := q.ConsumeRuns(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorWithErr("Failed to consume runs", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := a.Close(shutdownCtx); err != nil {
		logger.WarnWithErr("Pipeline did not stop cleanly", err)
	}
	logger.Info("Worker stopped")
}
