package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/cache"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/database"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/middleware"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubStages struct {
	release chan struct{} // nil means stages finish immediately
}

func (s *stubStages) wait() {
	if s.release != nil {
		<-s.release
	}
}

func (s *stubStages) Extract(ctx context.Context, videoPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (*pipeline.ExtractResult, error) {
	s.wait()
	progress(pipeline.ExtractShare)
	return &pipeline.ExtractResult{VideoID: pipeline.VideoID(videoPath), Frames: 1}, nil
}

func (s *stubStages) Export(ctx context.Context, videoID, outputPath string, tok *pipeline.Token, progress pipeline.ProgressFunc) (bool, error) {
	s.wait()
	return true, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*models.Run{}}
}

func (f *fakeRuns) CreateRun(ctx context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRuns) GetRun(ctx context.Context, id string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, database.ErrRunNotFound
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Run
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

type fakeQueue struct {
	published []*models.RunRequest
}

func (q *fakeQueue) PublishRun(ctx context.Context, req *models.RunRequest) error {
	q.published = append(q.published, req)
	return nil
}

type fakeStates map[string]*cache.RunState

func (f fakeStates) GetRunState(ctx context.Context, runID string) (*cache.RunState, error) {
	return f[runID], nil
}

func newTestAPI(t *testing.T, stages *stubStages) *API {
	t.Helper()
	dir := t.TempDir()
	return &API{
		ctl:       controller.New(stages, stages, filepath.Join(dir, "output"), nil, nil),
		runCtx:    context.Background(),
		outputDir: filepath.Join(dir, "output"),
		uploadDir: filepath.Join(dir, "uploads"),
		logger:    logging.NewNop(),
		health:    map[string]HealthChecker{},
	}
}

func serve(api *API, auth *middleware.Authenticator, req *http.Request) *httptest.ResponseRecorder {
	if auth == nil {
		auth = middleware.NewAuthenticator(nil, "")
	}
	router := setupRouter(api, auth, middleware.NewRateLimiter(1000, 1000))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatus_Idle(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "Waiting...", body["message"])
}

func TestSelectVideo(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/select", selectRequest{VideoPath: "/videos/traffic.mp4"}))
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["run_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, api.ctl.Wait(ctx))

	st := api.ctl.Status()
	assert.Equal(t, "traffic", st.VideoID)
	assert.Equal(t, controller.StateSucceeded, st.State)
	assert.Equal(t, pipeline.ExtractShare, st.Progress)
}

func TestSelectVideo_MissingPath(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/select", map[string]string{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSelectVideo_Busy(t *testing.T) {
	stages := &stubStages{release: make(chan struct{})}
	api := newTestAPI(t, stages)
	defer close(stages.release)

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/select", selectRequest{VideoPath: "a.mp4"}))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/select", selectRequest{VideoPath: "b.mp4"}))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/export", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/cancel", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "cancelling", decode(t, w)["state"])
}

func TestExport_NoVideoSelected(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/export", nil))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestCancel_Idle(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetOutput(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/outputs/traffic", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/outputs/.hidden", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, os.MkdirAll(api.outputDir, 0755))
	require.NoError(t, os.WriteFile(pipeline.OutputPath(api.outputDir, "traffic"), []byte("mp4"), 0644))

	w = serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/outputs/traffic", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mp4", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "traffic.mp4")
}

func TestUploadVideo(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("video", "highway.mp4")
	require.NoError(t, err)
	part.Write([]byte("video bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/videos/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(api, nil, req)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "highway", body["video_id"])

	data, err := os.ReadFile(filepath.Join(api.uploadDir, "highway.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(data))
}

func TestUploadVideo_NoFile(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/videos/upload", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnqueueRun(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/runs", enqueueRequest{VideoPath: "object://in/cars.mp4"}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	runs := newFakeRuns()
	q := &fakeQueue{}
	api.runs = runs
	api.queue = q

	w = serve(api, nil, jsonRequest(http.MethodPost, "/api/v1/runs", enqueueRequest{VideoPath: "object://in/cars.mp4", Priority: 5}))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, q.published, 1)
	msg := q.published[0]
	assert.Equal(t, "object://in/cars.mp4", msg.VideoPath)
	assert.Equal(t, 5, msg.Priority)

	run, err := runs.GetRun(context.Background(), msg.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "cars", run.VideoID)
}

func TestListRuns_NotConfigured(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetRun(t *testing.T) {
	api := newTestAPI(t, &stubStages{})
	runs := newFakeRuns()
	runs.CreateRun(context.Background(), &models.Run{ID: "stored", VideoID: "cars", Status: models.RunStatusProcessing})
	api.runs = runs
	api.states = fakeStates{"stored": {RunID: "stored", Stage: pipeline.StageExtract, Progress: 30}}

	t.Run("stored with live state", func(t *testing.T) {
		w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/runs/stored", nil))
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		live := body["live"].(map[string]interface{})
		assert.EqualValues(t, 30, live["progress"])
		run := body["run"].(map[string]interface{})
		assert.Equal(t, "cars", run["video_id"])
	})

	t.Run("unknown", func(t *testing.T) {
		w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/runs/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("local controller run", func(t *testing.T) {
		runID, err := api.ctl.Adopt("/videos/local.mp4")
		require.NoError(t, err)

		w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/runs/"+runID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		status := decode(t, w)["status"].(map[string]interface{})
		assert.Equal(t, "local", status["video_id"])
	})
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t, &stubStages{})
	api.health["database"] = func(ctx context.Context) error { return nil }

	w := serve(api, nil, jsonRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	api.health["redis"] = func(ctx context.Context) error { return errors.New("connection refused") }

	w = serve(api, nil, jsonRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["database"])
	assert.Equal(t, "connection refused", components["redis"])
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t, &stubStages{})
	auth := middleware.NewAuthenticator([]string{"secret-key"}, "")

	w := serve(api, auth, jsonRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := jsonRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w = serve(api, auth, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays open for probes
	w = serve(api, auth, jsonRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type fakeDepths struct{ depth, dead int }

func (f fakeDepths) Depth() (int, error)           { return f.depth, nil }
func (f fakeDepths) DeadLetterDepth() (int, error) { return f.dead, nil }

func TestStats(t *testing.T) {
	api := newTestAPI(t, &stubStages{})

	w := serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	api.monitor = monitoring.NewMonitor(fakeDepths{depth: 3, dead: 200}, nil, 0, logging.NewNop())
	require.NoError(t, api.monitor.Collect(context.Background()))

	w = serve(api, nil, jsonRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "critical", body["health"])
	stats := body["stats"].(map[string]interface{})
	assert.EqualValues(t, 3, stats["queue_depth"])
}
