package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/queue"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/storage"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// Runner is the part of the controller the worker drives
type Runner interface {
	RunAs(ctx context.Context, runID, videoPath string) (controller.Status, error)
	AdoptAs(runID, videoPath string) (string, error)
	Export(ctx context.Context) (string, error)
	Wait(ctx context.Context) error
	Status() controller.Status
}

// RunStore seeds run records and stores their summaries
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRunSummary(ctx context.Context, id string, summary models.Summary) error
}

// Fetcher makes object:// videos available on local disk
type Fetcher interface {
	Fetch(ctx context.Context, videoPath, dir string) (string, error)
}

// Locker guards the frame store shared with other workers
type Locker interface {
	Lock(ctx context.Context, poll time.Duration) error
	Unlock(ctx context.Context) error
}

const lockPoll = 500 * time.Millisecond

// Worker processes run requests taken off the queue. Runs, fetcher and lock
// are optional.
type Worker struct {
	ID       string
	runner   Runner
	runs     RunStore
	fetcher  Fetcher
	lock     Locker
	lockWait time.Duration
	workDir  string
	logger   *logging.Logger
}

// Handle runs one request. Failures worth redelivering wrap queue.ErrRetry;
// any other error dead-letters the message.
func (w *Worker) Handle(ctx context.Context, req *models.RunRequest) error {
	logger := w.logger.WithRunID(req.RunID).WithField("video_path", req.VideoPath)
	logger.Info("Processing run")

	if w.lock != nil {
		lctx, cancel := context.WithTimeout(ctx, w.lockWait)
		err := w.lock.Lock(lctx, lockPoll)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: workspace busy: %v", queue.ErrRetry, err)
		}
		defer func() {
			if err := w.lock.Unlock(context.Background()); err != nil {
				logger.WarnWithErr("Failed to release workspace lock", err)
			}
		}()
	}

	videoPath := req.VideoPath
	if !req.ExportOnly {
		local, err := w.fetch(ctx, videoPath)
		if err != nil {
			return err
		}
		videoPath = local
	}

	if w.runs != nil {
		run := &models.Run{
			ID:        req.RunID,
			VideoID:   pipeline.VideoID(req.VideoPath),
			VideoPath: req.VideoPath,
			Status:    models.RunStatusProcessing,
			WorkerID:  w.ID,
		}
		if err := w.runs.CreateRun(ctx, run); err != nil {
			logger.WarnWithErr("Failed to record run", err)
		}
	}

	st, err := w.execute(ctx, req, videoPath)
	w.saveSummary(req.RunID, st.Result, logger)
	if err != nil {
		logger.ErrorWithErr("Run failed", err)
		return err
	}

	if st.State == controller.StateCancelled {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: interrupted by shutdown", queue.ErrRetry)
		}
		logger.Info("Run cancelled")
		return nil
	}

	logger.WithField("output", st.OutputPath).Info("Run completed")
	return nil
}

func (w *Worker) fetch(ctx context.Context, videoPath string) (string, error) {
	if _, ok := storage.ObjectName(videoPath); !ok {
		return videoPath, nil
	}
	if w.fetcher == nil {
		return "", fmt.Errorf("%s needs object storage, which is not configured", videoPath)
	}
	local, err := w.fetcher.Fetch(ctx, videoPath, w.workDir)
	if err != nil {
		return "", fmt.Errorf("failed to fetch video: %w", err)
	}
	return local, nil
}

func (w *Worker) execute(ctx context.Context, req *models.RunRequest, videoPath string) (controller.Status, error) {
	if !req.ExportOnly {
		return w.runner.RunAs(ctx, req.RunID, videoPath)
	}

	if _, err := w.runner.AdoptAs(req.RunID, videoPath); err != nil {
		return w.runner.Status(), err
	}
	if _, err := w.runner.Export(ctx); err != nil {
		return w.runner.Status(), err
	}
	if err := w.runner.Wait(context.Background()); err != nil {
		return w.runner.Status(), err
	}

	st := w.runner.Status()
	if st.State == controller.StateFailed {
		return st, errors.New(st.Error)
	}
	return st, nil
}

func (w *Worker) saveSummary(runID string, res *pipeline.ExtractResult, logger *logging.Logger) {
	if w.runs == nil || res == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary := models.Summary{
		Frames:        res.Frames,
		Detections:    res.Detections,
		SkippedFrames: res.SkippedFrames,
		PerClass:      res.PerClass,
	}
	if err := w.runs.UpdateRunSummary(ctx, runID, summary); err != nil {
		logger.WarnWithErr("Failed to store run summary", err)
	}
}
