package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/queue"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// fakeRunner records calls and finishes with a fixed status
type fakeRunner struct {
	status controller.Status
	err    error
	calls  []string
	paths  []string
}

func (f *fakeRunner) RunAs(ctx context.Context, runID, videoPath string) (controller.Status, error) {
	f.calls = append(f.calls, "run:"+runID)
	f.paths = append(f.paths, videoPath)
	f.status.RunID = runID
	return f.status, f.err
}

func (f *fakeRunner) AdoptAs(runID, videoPath string) (string, error) {
	f.calls = append(f.calls, "adopt:"+runID)
	f.paths = append(f.paths, videoPath)
	f.status.RunID = runID
	return runID, nil
}

func (f *fakeRunner) Export(ctx context.Context) (string, error) {
	f.calls = append(f.calls, "export")
	return f.status.RunID, f.err
}

func (f *fakeRunner) Wait(ctx context.Context) error {
	f.calls = append(f.calls, "wait")
	return nil
}

func (f *fakeRunner) Status() controller.Status {
	return f.status
}

type fakeStore struct {
	created   []*models.Run
	summaries map[string]models.Summary
}

func (f *fakeStore) CreateRun(ctx context.Context, run *models.Run) error {
	f.created = append(f.created, run)
	return nil
}

func (f *fakeStore) UpdateRunSummary(ctx context.Context, id string, summary models.Summary) error {
	if f.summaries == nil {
		f.summaries = map[string]models.Summary{}
	}
	f.summaries[id] = summary
	return nil
}

type fakeFetcher struct {
	local string
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, videoPath, dir string) (string, error) {
	return f.local, f.err
}

type fakeLock struct {
	busy     bool
	unlocked bool
}

func (f *fakeLock) Lock(ctx context.Context, poll time.Duration) error {
	if f.busy {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeLock) Unlock(ctx context.Context) error {
	f.unlocked = true
	return nil
}

func newWorker(runner Runner) *Worker {
	return &Worker{
		ID:       "worker-1",
		runner:   runner,
		lockWait: 50 * time.Millisecond,
		workDir:  "/tmp/work",
		logger:   logging.NewNop(),
	}
}

func TestHandle_Run(t *testing.T) {
	runner := &fakeRunner{status: controller.Status{
		State:      controller.StateSucceeded,
		OutputPath: "output/cars.mp4",
		Result:     &pipeline.ExtractResult{Frames: 10, Detections: 4, PerClass: map[string]int{"car": 3, "bus": 1}},
	}}
	store := &fakeStore{}
	lock := &fakeLock{}
	w := newWorker(runner)
	w.runs = store
	w.lock = lock

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r1", VideoPath: "/videos/cars.mp4"})
	require.NoError(t, err)

	assert.Equal(t, []string{"run:r1"}, runner.calls)
	assert.Equal(t, []string{"/videos/cars.mp4"}, runner.paths)
	require.Len(t, store.created, 1)
	assert.Equal(t, "cars", store.created[0].VideoID)
	assert.Equal(t, "worker-1", store.created[0].WorkerID)
	assert.Equal(t, models.Summary{Frames: 10, Detections: 4, PerClass: map[string]int{"car": 3, "bus": 1}}, store.summaries["r1"])
	assert.True(t, lock.unlocked)
}

func TestHandle_ExportOnly(t *testing.T) {
	runner := &fakeRunner{status: controller.Status{State: controller.StateSucceeded}}
	w := newWorker(runner)
	w.fetcher = &fakeFetcher{err: errors.New("must not fetch")}

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r2", VideoPath: "object://in/cars.mp4", ExportOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"adopt:r2", "export", "wait"}, runner.calls)
}

func TestHandle_ExportOnlyFailure(t *testing.T) {
	runner := &fakeRunner{status: controller.Status{State: controller.StateFailed, Error: "encoder unavailable"}}
	w := newWorker(runner)

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r3", VideoPath: "cars.mp4", ExportOnly: true})
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrRetry)
	assert.Contains(t, err.Error(), "encoder unavailable")
}

func TestHandle_FetchesObjectVideos(t *testing.T) {
	runner := &fakeRunner{status: controller.Status{State: controller.StateSucceeded}}
	w := newWorker(runner)

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r4", VideoPath: "object://in/cars.mp4"})
	require.Error(t, err, "object storage is not configured")
	assert.Empty(t, runner.calls)

	w.fetcher = &fakeFetcher{local: "/tmp/work/cars.mp4"}
	require.NoError(t, w.Handle(context.Background(), &models.RunRequest{RunID: "r4", VideoPath: "object://in/cars.mp4"}))
	assert.Equal(t, []string{"/tmp/work/cars.mp4"}, runner.paths)
}

func TestHandle_WorkspaceBusy(t *testing.T) {
	runner := &fakeRunner{}
	w := newWorker(runner)
	w.lock = &fakeLock{busy: true}

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r5", VideoPath: "cars.mp4"})
	assert.ErrorIs(t, err, queue.ErrRetry)
	assert.Empty(t, runner.calls)
}

func TestHandle_PipelineFailure(t *testing.T) {
	runner := &fakeRunner{
		status: controller.Status{State: controller.StateFailed, Result: &pipeline.ExtractResult{Frames: 2}},
		err:    pipeline.ErrDetection,
	}
	store := &fakeStore{}
	w := newWorker(runner)
	w.runs = store

	err := w.Handle(context.Background(), &models.RunRequest{RunID: "r6", VideoPath: "cars.mp4"})
	assert.ErrorIs(t, err, pipeline.ErrDetection)
	assert.NotErrorIs(t, err, queue.ErrRetry)
	assert.Equal(t, 2, store.summaries["r6"].Frames)
}

func TestHandle_CancelledByShutdown(t *testing.T) {
	runner := &fakeRunner{status: controller.Status{State: controller.StateCancelled}}
	w := newWorker(runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Handle(ctx, &models.RunRequest{RunID: "r7", VideoPath: "cars.mp4"})
	assert.ErrorIs(t, err, queue.ErrRetry)

	require.NoError(t, w.Handle(context.Background(), &models.RunRequest{RunID: "r8", VideoPath: "cars.mp4"}))
}
