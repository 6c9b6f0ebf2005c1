package main

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

// barObserver draws run progress as a terminal progress bar
type barObserver struct {
	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	last int
}

func newBarObserver(w io.Writer) *barObserver {
	bar := progressbar.NewOptions(pipeline.MaxProgress,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(controller.StatusText("", controller.StateIdle, nil)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "▐",
			BarEnd:        "▌",
		}),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &barObserver{bar: bar}
}

func (b *barObserver) OnStageStarted(runID, stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(controller.StatusText(stage, controller.StateRunning, nil))
}

func (b *barObserver) OnProgress(runID string, percent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = percent
	_ = b.bar.Set(percent)
}

func (b *barObserver) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var state controller.State
	switch outcome {
	case pipeline.OutcomeSucceeded:
		state = controller.StateSucceeded
	case pipeline.OutcomeCancelled:
		state = controller.StateCancelled
	default:
		state = controller.StateFailed
	}
	b.bar.Describe(controller.StatusText(stage, state, err))
	if stage == pipeline.StageExport && outcome == pipeline.OutcomeSucceeded {
		_ = b.bar.Finish()
	}
}

func (b *barObserver) OnCancelRequested(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(controller.StatusText("", controller.StateCancelling, nil))
}

// current is the bar's value
func (b *barObserver) current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
