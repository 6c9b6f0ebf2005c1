package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/cache"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/database"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/middleware"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// RunStore is the run history the API reads and seeds
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error)
}

// RunPublisher enqueues runs for workers
type RunPublisher interface {
	PublishRun(ctx context.Context, req *models.RunRequest) error
}

// RunStateReader reads live run state mirrored by any process
type RunStateReader interface {
	GetRunState(ctx context.Context, runID string) (*cache.RunState, error)
}

// HealthChecker is a dependency reported by /health
type HealthChecker func(ctx context.Context) error

// API serves the local controller and, when configured, the shared run
// history and queue
type API struct {
	ctl       *controller.Controller
	runCtx    context.Context
	outputDir string
	uploadDir string
	logger    *logging.Logger

	runs    RunStore
	queue   RunPublisher
	states  RunStateReader
	monitor *monitoring.Monitor
	health  map[string]HealthChecker
}

// selectRequest names a video on the server's filesystem
type selectRequest struct {
	VideoPath string `json:"video_path" binding:"required"`
}

// enqueueRequest asks a worker to process a video
type enqueueRequest struct {
	VideoPath string `json:"video_path" binding:"required"`
	Priority  int    `json:"priority"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, controller.ErrNoVideoSelected):
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadRequest
	}
}

func setupRouter(api *API, auth *middleware.Authenticator, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(api.logger))

	router.GET("/health", api.healthCheck)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(auth), middleware.RateLimit(limiter))
	{
		// Local controller
		v1.POST("/videos/upload", api.uploadVideo)
		v1.POST("/select", api.selectVideo)
		v1.POST("/export", api.export)
		v1.POST("/cancel", api.cancel)
		v1.GET("/status", api.status)
		v1.GET("/outputs/:videoId", api.getOutput)

		// Shared runs
		v1.POST("/runs", api.enqueueRun)
		v1.GET("/runs", api.listRuns)
		v1.GET("/runs/:id", api.getRun)
		v1.GET("/stats", api.stats)
	}

	return router
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := gin.H{}
	healthy := true
	for name, check := range api.health {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"busy":       api.ctl.Busy(),
		"components": components,
	})
}

// uploadVideo stores a multipart "video" file in the upload directory and
// returns its server path, ready for /select
func (api *API) uploadVideo(c *gin.Context) {
	file, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}

	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file name"})
		return
	}
	if err := os.MkdirAll(api.uploadDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare upload directory"})
		return
	}

	dest := filepath.Join(api.uploadDir, name)
	if err := c.SaveUploadedFile(file, dest); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"video_path": dest,
		"video_id":   pipeline.VideoID(dest),
		"size":       file.Size,
	})
}

// selectVideo starts extraction of a video in the background
func (api *API) selectVideo(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := api.ctl.SelectAsync(api.runCtx, req.VideoPath)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": api.ctl.Status()})
}

// export starts rendering the selected video in the background
func (api *API) export(c *gin.Context) {
	runID, err := api.ctl.Export(api.runCtx)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": api.ctl.Status()})
}

func (api *API) cancel(c *gin.Context) {
	if !api.ctl.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "Nothing to cancel"})
		return
	}
	c.JSON(http.StatusAccepted, api.ctl.Status())
}

func (api *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, api.ctl.Status())
}

// getOutput serves a rendered video
func (api *API) getOutput(c *gin.Context) {
	videoID := c.Param("videoId")
	if videoID != filepath.Base(videoID) || strings.HasPrefix(videoID, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video id"})
		return
	}

	path := pipeline.OutputPath(api.outputDir, videoID)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output not found"})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

// enqueueRun records a run and hands it to the worker queue
func (api *API) enqueueRun(c *gin.Context) {
	if api.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run queue is not configured"})
		return
	}

	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	run := &models.Run{
		ID:        uuid.New().String(),
		VideoID:   pipeline.VideoID(req.VideoPath),
		VideoPath: req.VideoPath,
		Status:    models.RunStatusQueued,
	}
	if api.runs != nil {
		if err := api.runs.CreateRun(ctx, run); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create run: %v", err)})
			return
		}
	}

	msg := &models.RunRequest{
		RunID:     run.ID,
		VideoPath: req.VideoPath,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := api.queue.PublishRun(ctx, msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to queue run: %v", err)})
		return
	}

	api.logger.WithRunID(run.ID).WithField("video_path", req.VideoPath).Info("Run queued")
	c.JSON(http.StatusAccepted, run)
}

func (api *API) listRuns(c *gin.Context) {
	if api.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run history is not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := api.runs.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "limit": limit, "offset": offset})
}

// getRun merges the stored run with its live state. The local controller
// answers for its own run when nothing else knows it.
func (api *API) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var run *models.Run
	if api.runs != nil {
		r, err := api.runs.GetRun(ctx, id)
		switch {
		case err == nil:
			run = r
		case !errors.Is(err, database.ErrRunNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run"})
			return
		}
	}

	var live *cache.RunState
	if api.states != nil {
		if s, err := api.states.GetRunState(ctx, id); err == nil {
			live = s
		} else {
			api.logger.WithRunID(id).WarnWithErr("Failed to read live run state", err)
		}
	}

	if run == nil && live == nil {
		if st := api.ctl.Status(); st.RunID == id {
			c.JSON(http.StatusOK, gin.H{"status": st})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": run, "live": live})
}

// stats reports queue depths and stage outcomes across all processes
func (api *API) stats(c *gin.Context) {
	if api.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Monitoring is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":  api.monitor.Stats(),
		"health": api.monitor.Health(),
		"alerts": api.monitor.Alerts(),
	})
}
