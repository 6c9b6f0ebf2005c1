package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

type received struct {
	event     string
	signature string
	body      []byte
}

func newReceiver(t *testing.T, status func(n int32) int) (*httptest.Server, func() []received) {
	var mu sync.Mutex
	var got []received
	var n int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			event:     r.Header.Get("X-Webhook-Event"),
			signature: r.Header.Get(SignatureHeader),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(status(atomic.AddInt32(&n, 1)))
	}))
	t.Cleanup(server.Close)

	return server, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func ok(int32) int { return http.StatusOK }

func TestWebhookNotify(t *testing.T) {
	server, got := newReceiver(t, ok)
	s := NewService(Config{URLs: []string{server.URL}, Secret: "test-secret"}, logging.NewNop())

	require.NoError(t, s.Notify(models.WebhookEventStageStarted, models.StageEventData{RunID: "r1", Stage: "extract"}))
	s.Close()

	deliveries := got()
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.WebhookEventStageStarted, deliveries[0].event)
	assert.True(t, VerifySignature(deliveries[0].body, "test-secret", deliveries[0].signature))

	var event struct {
		Event string                `json:"event"`
		Data  models.StageEventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(deliveries[0].body, &event))
	assert.Equal(t, "r1", event.Data.RunID)
}

func TestWebhookNotify_RetriesThenSucceeds(t *testing.T) {
	server, got := newReceiver(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	s := NewService(Config{URLs: []string{server.URL}, MaxRetries: 3, RetryDelay: time.Millisecond}, logging.NewNop())

	require.NoError(t, s.Notify(models.WebhookEventStageCompleted, nil))
	s.Close()

	deliveries := got()
	assert.Len(t, deliveries, 3)
	assert.Empty(t, deliveries[0].signature, "no secret, no signature")
}

func TestWebhookNotify_GivesUp(t *testing.T) {
	server, got := newReceiver(t, func(int32) int { return http.StatusInternalServerError })
	s := NewService(Config{URLs: []string{server.URL}, MaxRetries: 1, RetryDelay: time.Millisecond}, logging.NewNop())

	require.NoError(t, s.Notify(models.WebhookEventStageCompleted, nil))
	s.Close()
	assert.Len(t, got(), 2)
}

func TestWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"test"}`)

	signature := GenerateSignature(payload, "test-secret")
	assert.Contains(t, signature, "sha256=")
	assert.Len(t, signature, len("sha256=")+64)
	assert.True(t, VerifySignature(payload, "test-secret", signature))
	assert.False(t, VerifySignature(payload, "other", signature))
}

func TestObserver(t *testing.T) {
	server, got := newReceiver(t, ok)
	s := NewService(Config{URLs: []string{server.URL}}, logging.NewNop())
	o := NewObserver(s)

	o.OnStageStarted("r1", pipeline.StageExport)
	o.OnProgress("r1", 70)
	o.OnCancelRequested("r1")
	s.Close()
	o.OnStageComplete("r1", pipeline.StageExport, pipeline.OutcomeFailed, pipeline.ErrEncoderOpen)
	s.Close()
	o.OnStageComplete("r1", pipeline.StageExtract, pipeline.OutcomeCancelled, nil)
	s.Close()

	deliveries := got()
	require.Len(t, deliveries, 3)
	assert.Equal(t, models.WebhookEventStageStarted, deliveries[0].event)
	assert.Equal(t, models.WebhookEventStageFailed, deliveries[1].event)
	assert.Equal(t, models.WebhookEventStageCancelled, deliveries[2].event)

	var event struct {
		Data models.StageEventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(deliveries[1].body, &event))
	assert.Equal(t, pipeline.Category(pipeline.ErrEncoderOpen), event.Data.Category)
	assert.Equal(t, "failed", event.Data.Outcome)
}
