package models

import "time"

// WebhookEvent represents the payload sent to webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// StageEventData is the Data of stage webhook events
type StageEventData struct {
	RunID    string `json:"run_id"`
	Stage    string `json:"stage"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// Webhook event types
const (
	WebhookEventStageStarted   = "stage.started"
	WebhookEventStageCompleted = "stage.completed"
	WebhookEventStageFailed    = "stage.failed"
	WebhookEventStageCancelled = "stage.cancelled"
)

// WebhookDeliveryStatus constants
const (
	WebhookDeliveryStatusDelivered = "delivered"
	WebhookDeliveryStatusFailed    = "failed"
)
