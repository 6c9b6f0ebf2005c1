// Package controller sequences the extraction and export stages for a single
// workspace and exposes their progress to observers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

var (
	// ErrBusy is returned when an operation is started while another runs
	ErrBusy = errors.New("another operation is in progress")
	// ErrNoVideoSelected is returned by Export before any Select
	ErrNoVideoSelected = errors.New("please select a video first")
)

// Extractor is the extraction stage
type Extractor interface {
	Extract(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error)
}

// Exporter is the export stage
type Exporter interface {
	Export(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error)
}

// State of the controller's current or last operation
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateSucceeded  State = "succeeded"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Status is a snapshot of the controller
type Status struct {
	RunID      string    `json:"run_id,omitempty"`
	VideoID    string    `json:"video_id,omitempty"`
	VideoPath  string    `json:"video_path,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	State      State     `json:"state"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Result of the last extraction of VideoID
	Result *pipeline.ExtractResult `json:"result,omitempty"`
}

// Controller owns one frame store workspace. Only one operation runs at a time.
type Controller struct {
	extractor Extractor
	exporter  Exporter
	outputDir string
	observer  Observer
	logger    *logging.Logger

	mu     sync.Mutex
	status Status
	busy   bool
	tok    *pipeline.Token
	done   chan struct{}
	err    error // of the last finished operation
}

// New creates a controller writing outputs under outputDir
func New(extractor Extractor, exporter Exporter, outputDir string, observer Observer, logger *logging.Logger) *Controller {
	if observer == nil {
		observer = Observers{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		extractor: extractor,
		exporter:  exporter,
		outputDir: outputDir,
		observer:  observer,
		logger:    logger,
		status:    Status{State: StateIdle, Message: StatusText("", StateIdle, nil), UpdatedAt: time.Now()},
		done:      done,
	}
}

// begin claims the controller for an operation and returns its fresh token
func (c *Controller) begin(stage string, update func(*Status)) (*pipeline.Token, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, "", ErrBusy
	}
	update(&c.status)
	if c.status.VideoID == "" {
		return nil, "", ErrNoVideoSelected
	}

	c.busy = true
	c.tok = pipeline.NewToken()
	c.done = make(chan struct{})
	c.status.Stage = stage
	c.status.State = StateRunning
	c.status.Error = ""
	c.status.Message = StatusText(stage, StateRunning, nil)
	c.status.UpdatedAt = time.Now()
	return c.tok, c.status.RunID, nil
}

// finish releases the controller and records the stage outcome
func (c *Controller) finish(stage string, outcome pipeline.Outcome, err error) {
	c.mu.Lock()
	switch outcome {
	case pipeline.OutcomeSucceeded:
		c.status.State = StateSucceeded
	case pipeline.OutcomeCancelled:
		c.status.State = StateCancelled
	default:
		c.status.State = StateFailed
		c.status.Error = err.Error()
	}
	c.status.Message = StatusText(stage, c.status.State, err)
	c.status.UpdatedAt = time.Now()
	runID := c.status.RunID
	c.err = err
	c.busy = false
	done := c.done
	c.mu.Unlock()

	c.observer.OnStageComplete(runID, stage, outcome, err)
	close(done)
}

func (c *Controller) reporter(runID string) *pipeline.Reporter {
	return pipeline.NewReporter(func(p int) {
		c.mu.Lock()
		c.status.Progress = p
		c.status.UpdatedAt = time.Now()
		c.mu.Unlock()
		c.observer.OnProgress(runID, p)
	})
}

// Select makes videoPath the current video and runs extraction on it,
// blocking until it ends. A new run ID is assigned.
func (c *Controller) Select(ctx context.Context, videoPath string) (*pipeline.ExtractResult, error) {
	return c.selectAs(ctx, uuid.New().String(), videoPath)
}

func (c *Controller) selectAs(ctx context.Context, runID, videoPath string) (*pipeline.ExtractResult, error) {
	tok, runID, err := c.beginSelect(runID, videoPath)
	if err != nil {
		return nil, err
	}
	return c.extract(ctx, runID, videoPath, tok)
}

// SelectAsync is Select without waiting: extraction continues in the
// background and Wait blocks until it ends.
func (c *Controller) SelectAsync(ctx context.Context, videoPath string) (string, error) {
	tok, runID, err := c.beginSelect(uuid.New().String(), videoPath)
	if err != nil {
		return "", err
	}
	go c.extract(ctx, runID, videoPath, tok)
	return runID, nil
}

func (c *Controller) beginSelect(runID, videoPath string) (*pipeline.Token, string, error) {
	if videoPath == "" {
		return nil, "", fmt.Errorf("video path is required")
	}
	return c.begin(pipeline.StageExtract, func(s *Status) {
		s.RunID = runID
		s.VideoPath = videoPath
		s.VideoID = pipeline.VideoID(videoPath)
		s.OutputPath = ""
		s.Result = nil
		s.Progress = 0
	})
}

func (c *Controller) extract(ctx context.Context, runID, videoPath string, tok *pipeline.Token) (*pipeline.ExtractResult, error) {
	c.logger.WithRunID(runID).WithField("video_path", videoPath).Info("Video selected")
	c.observer.OnStageStarted(runID, pipeline.StageExtract)
	res, err := c.extractor.Extract(ctx, videoPath, tok, c.reporter(runID).Report)
	if res != nil {
		c.mu.Lock()
		c.status.Result = res
		c.mu.Unlock()
	}
	c.finish(pipeline.StageExtract, outcome(err, res != nil && res.Cancelled), err)
	return res, err
}

// Adopt makes videoPath the current video without extracting it, for frames
// a previous process already stored. A new run ID is assigned.
func (c *Controller) Adopt(videoPath string) (string, error) {
	return c.AdoptAs(uuid.New().String(), videoPath)
}

// AdoptAs is Adopt under a run ID assigned by the caller
func (c *Controller) AdoptAs(runID, videoPath string) (string, error) {
	if videoPath == "" {
		return "", fmt.Errorf("video path is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return "", ErrBusy
	}

	c.status = Status{
		RunID:     runID,
		VideoPath: videoPath,
		VideoID:   pipeline.VideoID(videoPath),
		State:     StateIdle,
		Progress:  pipeline.ExtractShare,
		Message:   StatusText("", StateIdle, nil),
		UpdatedAt: time.Now(),
	}
	return c.status.RunID, nil
}

// Export starts rendering the selected video in the background and returns
// its run ID. ctx bounds the background work; Wait blocks until it ends.
func (c *Controller) Export(ctx context.Context) (string, error) {
	var videoID, outputPath string
	tok, runID, err := c.begin(pipeline.StageExport, func(s *Status) {
		if s.VideoID == "" {
			return
		}
		s.Progress = pipeline.ExtractShare
		s.OutputPath = pipeline.OutputPath(c.outputDir, s.VideoID)
		videoID, outputPath = s.VideoID, s.OutputPath
	})
	if err != nil {
		return "", err
	}

	c.logger.WithRunID(runID).WithField("output", outputPath).Info("Export started in background")
	c.observer.OnStageStarted(runID, pipeline.StageExport)
	rep := c.reporter(runID)
	rep.Report(pipeline.ExtractShare)

	go func() {
		completed, err := c.exporter.Export(ctx, videoID, outputPath, tok, rep.Report)
		if completed {
			rep.Report(pipeline.MaxProgress)
		}
		c.finish(pipeline.StageExport, outcome(err, !completed), err)
	}()

	return runID, nil
}

// Wait blocks until the current operation, if any, has finished
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run selects videoPath and exports it, waiting for both stages. It returns
// the final status.
func (c *Controller) Run(ctx context.Context, videoPath string) (Status, error) {
	return c.RunAs(ctx, uuid.New().String(), videoPath)
}

// RunAs is Run under a run ID assigned by the caller, such as one issued
// when the run was queued
func (c *Controller) RunAs(ctx context.Context, runID, videoPath string) (Status, error) {
	res, err := c.selectAs(ctx, runID, videoPath)
	if err != nil {
		return c.Status(), err
	}
	if res.Cancelled {
		return c.Status(), nil
	}

	if _, err := c.Export(ctx); err != nil {
		return c.Status(), err
	}
	if err := c.Wait(context.Background()); err != nil {
		return c.Status(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.err
}

// Cancel asks the running operation to stop at its next frame. It reports
// whether there was anything to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return false
	}
	c.tok.Cancel()
	c.status.State = StateCancelling
	c.status.Message = StatusText(c.status.Stage, StateCancelling, nil)
	c.status.UpdatedAt = time.Now()
	runID := c.status.RunID
	c.mu.Unlock()

	c.observer.OnCancelRequested(runID)
	return true
}

// Status returns a snapshot of the current state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Busy reports whether an operation is running
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func outcome(err error, cancelled bool) pipeline.Outcome {
	switch {
	case err != nil:
		return pipeline.OutcomeFailed
	case cancelled:
		return pipeline.OutcomeCancelled
	default:
		return pipeline.OutcomeSucceeded
	}
}

// StatusText is the user facing line for a stage and state
func StatusText(stage string, state State, err error) string {
	switch state {
	case StateIdle:
		return "Waiting..."
	case StateCancelling:
		return "Canceling..."
	case StateCancelled:
		return "Canceled."
	case StateFailed:
		return "Failed: " + pipeline.Category(err)
	}

	switch {
	case stage == pipeline.StageExtract && state == StateRunning:
		return "Step 1/3: Splitting and predicting..."
	case stage == pipeline.StageExtract && state == StateSucceeded:
		return "Prediction complete. Click Export to continue."
	case stage == pipeline.StageExport && state == StateRunning:
		return "Step 2/3: Generating video..."
	case stage == pipeline.StageExport && state == StateSucceeded:
		return "Step 3/3: ✔ Success!"
	}
	return string(state)
}
