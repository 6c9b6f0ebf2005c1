package controller

import (
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

// Observer is the presentation surface of a run. Calls for one run arrive in
// order but may come from a goroutine other than the caller's.
type Observer interface {
	OnStageStarted(runID, stage string)
	OnProgress(runID string, percent int)
	OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error)
	OnCancelRequested(runID string)
}

// Observers fans every event out to each element in order
type Observers []Observer

func (o Observers) OnStageStarted(runID, stage string) {
	for _, ob := range o {
		ob.OnStageStarted(runID, stage)
	}
}

func (o Observers) OnProgress(runID string, percent int) {
	for _, ob := range o {
		ob.OnProgress(runID, percent)
	}
}

func (o Observers) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	for _, ob := range o {
		ob.OnStageComplete(runID, stage, outcome, err)
	}
}

func (o Observers) OnCancelRequested(runID string) {
	for _, ob := range o {
		ob.OnCancelRequested(runID)
	}
}

// LogObserver writes run events to a logger
type LogObserver struct {
	logger *logging.Logger
}

// NewLogObserver creates a new log observer
func NewLogObserver(logger *logging.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) OnStageStarted(runID, stage string) {
	l.logger.LogStageEvent(runID, stage, "started", nil)
}

func (l *LogObserver) OnProgress(runID string, percent int) {
	l.logger.WithRunID(runID).WithField("progress", percent).Debug("Run progress")
}

func (l *LogObserver) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	details := map[string]interface{}{"outcome": string(outcome)}
	if err != nil {
		details["error"] = err.Error()
		details["category"] = pipeline.Category(err)
	}
	l.logger.LogStageEvent(runID, stage, "completed", details)
}

func (l *LogObserver) OnCancelRequested(runID string) {
	l.logger.LogStageEvent(runID, "", "cancel_requested", nil)
}

// MetricsObserver mirrors the active run's progress into Prometheus
type MetricsObserver struct{}

func (MetricsObserver) OnStageStarted(runID, stage string) {}

func (MetricsObserver) OnProgress(runID string, percent int) {
	metrics.UpdateRunProgress(percent)
}

func (MetricsObserver) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {}

func (MetricsObserver) OnCancelRequested(runID string) {}
