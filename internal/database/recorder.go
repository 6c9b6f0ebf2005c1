package database

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// RunWriter is the subset of Repository the Recorder needs
type RunWriter interface {
	StartStage(ctx context.Context, id, stage string) error
	UpdateRunProgress(ctx context.Context, id string, progress int) error
	CompleteStage(ctx context.Context, id, stage, status, errorMsg, errorCode string) error
	UpdateRunStatus(ctx context.Context, id, status string) error
}

// progressStep is the smallest progress change persisted
const progressStep = 5

// Recorder keeps the runs table in step with controller events. Database
// failures are logged; they never affect the run itself.
type Recorder struct {
	runs    RunWriter
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	written map[string]int
}

// NewRecorder creates a new recorder
func NewRecorder(runs RunWriter, logger *logging.Logger) *Recorder {
	return &Recorder{
		runs:    runs,
		timeout: 5 * time.Second,
		logger:  logger,
		written: make(map[string]int),
	}
}

func (r *Recorder) do(runID, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		r.logger.WithRunID(runID).WithField("operation", what).WarnWithErr("Failed to record run event", err)
	}
}

func (r *Recorder) OnStageStarted(runID, stage string) {
	r.do(runID, "start_stage", func(ctx context.Context) error {
		return r.runs.StartStage(ctx, runID, stage)
	})
}

func (r *Recorder) OnProgress(runID string, percent int) {
	r.mu.Lock()
	last, seen := r.written[runID]
	write := !seen || percent-last >= progressStep || percent == pipeline.ExtractShare || percent == pipeline.MaxProgress
	if write {
		r.written[runID] = percent
	}
	r.mu.Unlock()

	if write {
		r.do(runID, "update_progress", func(ctx context.Context) error {
			return r.runs.UpdateRunProgress(ctx, runID, percent)
		})
	}
}

func (r *Recorder) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	status := models.StatusForOutcome(stage, string(outcome))
	var msg, code string
	if err != nil {
		msg, code = err.Error(), pipeline.Code(err)
	}

	if models.IsTerminal(status) {
		r.mu.Lock()
		delete(r.written, runID)
		r.mu.Unlock()
	}

	r.do(runID, "complete_stage", func(ctx context.Context) error {
		return r.runs.CompleteStage(ctx, runID, stage, status, msg, code)
	})
}

func (r *Recorder) OnCancelRequested(runID string) {
	r.do(runID, "update_status", func(ctx context.Context) error {
		return r.runs.UpdateRunStatus(ctx, runID, models.RunStatusCancelling)
	})
}
