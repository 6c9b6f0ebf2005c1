package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

type extractFunc func(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error)

func (f extractFunc) Extract(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
	return f(ctx, videoPath, tok, progress)
}

type exportFunc func(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error)

func (f exportFunc) Export(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
	return f(ctx, videoID, outputPath, tok, progress)
}

func quickExtract(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
	for _, p := range []int{20, 40, 60} {
		progress(p)
	}
	return &pipeline.ExtractResult{VideoID: pipeline.VideoID(videoPath), Frames: 3}, nil
}

func quickExport(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
	progress(80)
	return true, nil
}

// blockingStage waits for release and then reports whether it was cancelled
type blockingStage struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingStage() *blockingStage {
	return &blockingStage{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingStage) Extract(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
	close(b.started)
	<-b.release
	return &pipeline.ExtractResult{VideoID: pipeline.VideoID(videoPath), Cancelled: tok.Cancelled()}, nil
}

func (b *blockingStage) Export(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
	close(b.started)
	<-b.release
	return !tok.Cancelled(), nil
}

type event struct {
	kind    string
	stage   string
	value   int
	outcome pipeline.Outcome
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingObserver) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingObserver) OnStageStarted(runID, stage string) {
	r.add(event{kind: "started", stage: stage})
}

func (r *recordingObserver) OnProgress(runID string, percent int) {
	r.add(event{kind: "progress", value: percent})
}

func (r *recordingObserver) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	r.add(event{kind: "complete", stage: stage, outcome: outcome})
}

func (r *recordingObserver) OnCancelRequested(runID string) {
	r.add(event{kind: "cancel"})
}

func (r *recordingObserver) get() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func TestController_ExportBeforeSelect(t *testing.T) {
	c := New(extractFunc(quickExtract), exportFunc(quickExport), t.TempDir(), nil, nil)

	_, err := c.Export(context.Background())
	assert.ErrorIs(t, err, ErrNoVideoSelected)
	assert.False(t, c.Busy())
	assert.Equal(t, "Waiting...", c.Status().Message)
}

func TestController_SelectThenExport(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	out := t.TempDir()
	c := New(extractFunc(quickExtract), exportFunc(quickExport), out, obs, logging.NewNop())

	res, err := c.Select(ctx, "/videos/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Frames)

	st := c.Status()
	assert.Equal(t, "clip", st.VideoID)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, 60, st.Progress)
	assert.Equal(t, "Prediction complete. Click Export to continue.", st.Message)
	runID := st.RunID
	assert.NotEmpty(t, runID)

	exportRun, err := c.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, exportRun, "both stages belong to one run")
	require.NoError(t, c.Wait(ctx))

	st = c.Status()
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "Step 3/3: ✔ Success!", st.Message)
	assert.Equal(t, filepath.Join(out, "clip.mp4"), st.OutputPath)

	assert.Equal(t, []event{
		{kind: "started", stage: "extract"},
		{kind: "progress", value: 20},
		{kind: "progress", value: 40},
		{kind: "progress", value: 60},
		{kind: "complete", stage: "extract", outcome: pipeline.OutcomeSucceeded},
		{kind: "started", stage: "export"},
		{kind: "progress", value: 60},
		{kind: "progress", value: 80},
		{kind: "progress", value: 100},
		{kind: "complete", stage: "export", outcome: pipeline.OutcomeSucceeded},
	}, obs.get())
}

func TestController_BusyAndCancelDuringSelect(t *testing.T) {
	stage := newBlockingStage()
	obs := &recordingObserver{}
	c := New(stage, exportFunc(quickExport), t.TempDir(), obs, nil)

	type result struct {
		res *pipeline.ExtractResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.Select(context.Background(), "clip.mp4")
		done <- result{res, err}
	}()
	<-stage.started

	assert.True(t, c.Busy())
	_, err := c.Select(context.Background(), "other.mp4")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.Export(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	require.True(t, c.Cancel())
	assert.Equal(t, "Canceling...", c.Status().Message)
	close(stage.release)

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.res.Cancelled)
	assert.Equal(t, StateCancelled, c.Status().State)
	assert.Equal(t, "Canceled.", c.Status().Message)
	assert.Equal(t, "clip", c.Status().VideoID, "busy rejection does not change the selection")
	assert.False(t, c.Cancel(), "nothing left to cancel")

	events := obs.get()
	assert.Contains(t, events, event{kind: "cancel"})
	assert.Equal(t, event{kind: "complete", stage: "extract", outcome: pipeline.OutcomeCancelled}, events[len(events)-1])
}

func TestController_SelectAsync(t *testing.T) {
	ctx := context.Background()
	stage := newBlockingStage()
	c := New(stage, exportFunc(quickExport), t.TempDir(), nil, nil)

	runID, err := c.SelectAsync(ctx, "clip.mp4")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	<-stage.started

	_, err = c.SelectAsync(ctx, "clip.mp4")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "Step 1/3: Splitting and predicting...", c.Status().Message)

	close(stage.release)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, StateSucceeded, c.Status().State)
	assert.Equal(t, runID, c.Status().RunID)
}

func TestController_CancelExport(t *testing.T) {
	ctx := context.Background()
	stage := newBlockingStage()
	c := New(extractFunc(quickExtract), stage, t.TempDir(), nil, nil)

	_, err := c.Select(ctx, "clip.mp4")
	require.NoError(t, err)
	_, err = c.Export(ctx)
	require.NoError(t, err)
	<-stage.started

	require.True(t, c.Cancel())
	close(stage.release)
	require.NoError(t, c.Wait(ctx))

	st := c.Status()
	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, 60, st.Progress)
}

func TestController_ExportFailure(t *testing.T) {
	ctx := context.Background()
	failing := exportFunc(func(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
		return false, fmt.Errorf("%w: codec missing", pipeline.ErrEncoderOpen)
	})
	c := New(extractFunc(quickExtract), failing, t.TempDir(), nil, nil)

	st, err := c.Run(ctx, "clip.mp4")
	assert.ErrorIs(t, err, pipeline.ErrEncoderOpen)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "Failed: The output video could not be created", st.Message)
	assert.Contains(t, st.Error, "codec missing")
}

func TestController_RunSucceeds(t *testing.T) {
	c := New(extractFunc(quickExtract), exportFunc(quickExport), t.TempDir(), nil, nil)

	st, err := c.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, pipeline.StageExport, st.Stage)
	assert.Equal(t, 100, st.Progress)
}

func TestController_RunStopsWhenExtractionCancelled(t *testing.T) {
	exported := false
	cancelled := extractFunc(func(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
		return &pipeline.ExtractResult{Cancelled: true}, nil
	})
	c := New(cancelled, exportFunc(func(context.Context, string, string, *pipeline.Token, pipeline.ProgressFunc) (bool, error) {
		exported = true
		return true, nil
	}), t.TempDir(), nil, nil)

	st, err := c.Run(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.State)
	assert.False(t, exported)
}

func TestController_SelectFailure(t *testing.T) {
	failing := extractFunc(func(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrSourceOpen, videoPath)
	})
	c := New(failing, exportFunc(quickExport), t.TempDir(), nil, nil)

	_, err := c.Select(context.Background(), "broken.mp4")
	assert.ErrorIs(t, err, pipeline.ErrSourceOpen)
	assert.Equal(t, "Failed: The video could not be opened", c.Status().Message)

	_, err = c.Select(context.Background(), "")
	assert.Error(t, err)
}

func TestController_WaitHonoursContext(t *testing.T) {
	stage := newBlockingStage()
	c := New(extractFunc(quickExtract), stage, t.TempDir(), nil, nil)
	_, err := c.Select(context.Background(), "clip.mp4")
	require.NoError(t, err)
	_, err = c.Export(context.Background())
	require.NoError(t, err)
	defer close(stage.release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestController_AdoptThenExport(t *testing.T) {
	ctx := context.Background()
	var gotID string
	exp := exportFunc(func(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
		gotID = videoID
		return true, nil
	})
	c := New(extractFunc(quickExtract), exp, t.TempDir(), nil, nil)

	runID, err := c.Adopt("/videos/highway.avi")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, 60, c.Status().Progress)

	_, err = c.Export(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, "highway", gotID)
	assert.Equal(t, StateSucceeded, c.Status().State)

	_, err = c.Adopt("")
	assert.Error(t, err)
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		stage string
		state State
		err   error
		want  string
	}{
		{"", StateIdle, nil, "Waiting..."},
		{pipeline.StageExtract, StateRunning, nil, "Step 1/3: Splitting and predicting..."},
		{pipeline.StageExtract, StateSucceeded, nil, "Prediction complete. Click Export to continue."},
		{pipeline.StageExport, StateRunning, nil, "Step 2/3: Generating video..."},
		{pipeline.StageExport, StateSucceeded, nil, "Step 3/3: ✔ Success!"},
		{pipeline.StageExport, StateCancelling, nil, "Canceling..."},
		{pipeline.StageExport, StateCancelled, nil, "Canceled."},
		{pipeline.StageExport, StateFailed, pipeline.ErrNoFrames, "Failed: There are no frames to export, run detection first"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusText(tt.stage, tt.state, tt.err))
		})
	}
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers{a, b, NewLogObserver(logging.NewNop()), MetricsObserver{}}

	obs.OnStageStarted("r", "extract")
	obs.OnProgress("r", 10)
	obs.OnCancelRequested("r")
	obs.OnStageComplete("r", "extract", pipeline.OutcomeFailed, errors.New("x"))

	assert.Len(t, a.get(), 4)
	assert.Equal(t, a.get(), b.get())
}

func TestController_RunAsKeepsRunID(t *testing.T) {
	obs := &recordingObserver{}
	c := New(extractFunc(quickExtract), exportFunc(quickExport), t.TempDir(), obs, nil)

	st, err := c.RunAs(context.Background(), "queued-run", "/videos/cars.mp4")
	require.NoError(t, err)
	assert.Equal(t, "queued-run", st.RunID)
	assert.Equal(t, StateSucceeded, st.State)

	runID, err := c.AdoptAs("export-only", "/videos/cars.mp4")
	require.NoError(t, err)
	assert.Equal(t, "export-only", runID)

	exportID, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "export-only", exportID)
	require.NoError(t, c.Wait(context.Background()))
}
