package cache

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// writeTimeout bounds each mirror write so a slow Redis never stalls a stage
const writeTimeout = 2 * time.Second

// RunMirror copies controller events into Redis so other processes can read
// a run's live state. Write failures are logged and dropped.
type RunMirror struct {
	cache  *Cache
	ttl    time.Duration
	logger *logging.Logger
}

// NewRunMirror creates a mirror whose keys expire ttl after the last event
func NewRunMirror(cache *Cache, ttl time.Duration, logger *logging.Logger) *RunMirror {
	return &RunMirror{cache: cache, ttl: ttl, logger: logger}
}

func (m *RunMirror) write(runID string, fields map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.cache.UpdateRunState(ctx, runID, fields, m.ttl); err != nil {
		m.logger.WithRunID(runID).WarnWithErr("Failed to mirror run state", err)
	}
}

func (m *RunMirror) OnStageStarted(runID, stage string) {
	m.write(runID, map[string]interface{}{
		"stage":  stage,
		"status": models.RunStatusProcessing,
		"error":  "",
	})
}

func (m *RunMirror) OnProgress(runID string, percent int) {
	m.write(runID, map[string]interface{}{"progress": percent})
}

func (m *RunMirror) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	fields := map[string]interface{}{
		"stage":  stage,
		"status": models.StatusForOutcome(stage, string(outcome)),
	}
	if err != nil {
		fields["error"] = pipeline.Category(err)
	}
	m.write(runID, fields)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.cache.IncrementStat(ctx, stage+":"+string(outcome)); err != nil {
		m.logger.WithRunID(runID).WarnWithErr("Failed to count stage outcome", err)
	}
}

func (m *RunMirror) OnCancelRequested(runID string) {
	m.write(runID, map[string]interface{}{"status": models.RunStatusCancelling})
}
