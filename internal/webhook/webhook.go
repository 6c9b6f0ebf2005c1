package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// SignatureHeader carries the HMAC of the body when a secret is configured
const SignatureHeader = "X-Webhook-Signature"

// Config configures webhook delivery
type Config struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is the first backoff delay, doubled on every retry
	RetryDelay time.Duration
}

// Service handles webhook delivery and retry logic
type Service struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewService creates a new webhook service
func NewService(cfg Config, logger *logging.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Notify sends an event to every configured URL in the background
func (s *Service) Notify(event string, data interface{}) error {
	payload, err := json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, url := range s.cfg.URLs {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			s.deliverWithRetry(context.Background(), url, event, uuid.New().String(), payload)
		}(url)
	}
	return nil
}

// Close waits for in-flight deliveries
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) deliverWithRetry(ctx context.Context, url, event, deliveryID string, payload []byte) {
	log := s.logger.WithFields(map[string]interface{}{
		"url":         url,
		"event":       event,
		"delivery_id": deliveryID,
	})

	delay := s.cfg.RetryDelay
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = s.deliver(ctx, url, event, deliveryID, payload); err == nil {
			log.WithField("attempt", attempt+1).Debug("Webhook delivered")
			return
		}
		log.WithField("attempt", attempt+1).WarnWithErr("Webhook delivery failed", err)
	}

	metrics.RecordError("webhook", "delivery_failed")
	log.ErrorWithErr("Webhook delivery abandoned", err)
}

func (s *Service) deliver(ctx context.Context, url, event, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "VehicleDetect-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, GenerateSignature(payload, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// GenerateSignature generates HMAC-SHA256 signature for webhook payload
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by GenerateSignature
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(GenerateSignature(payload, secret)), []byte(signature))
}

// Observer turns stage events into webhook notifications
type Observer struct {
	service *Service
}

// NewObserver creates a new webhook observer
func NewObserver(service *Service) *Observer {
	return &Observer{service: service}
}

func (o *Observer) notify(event string, data models.StageEventData) {
	if err := o.service.Notify(event, data); err != nil {
		o.service.logger.WithRunID(data.RunID).WarnWithErr("Failed to queue webhook", err)
	}
}

func (o *Observer) OnStageStarted(runID, stage string) {
	o.notify(models.WebhookEventStageStarted, models.StageEventData{RunID: runID, Stage: stage})
}

func (o *Observer) OnProgress(runID string, percent int) {}

func (o *Observer) OnStageComplete(runID, stage string, outcome pipeline.Outcome, err error) {
	data := models.StageEventData{RunID: runID, Stage: stage, Outcome: string(outcome)}
	event := models.WebhookEventStageCompleted
	switch outcome {
	case pipeline.OutcomeCancelled:
		event = models.WebhookEventStageCancelled
	case pipeline.OutcomeFailed:
		event = models.WebhookEventStageFailed
		data.Category = pipeline.Category(err)
		if err != nil {
			data.Error = err.Error()
		}
	}
	o.notify(event, data)
}

func (o *Observer) OnCancelRequested(runID string) {}
