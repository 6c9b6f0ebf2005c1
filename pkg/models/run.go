package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Run represents one pass of a video through extraction and export
type Run struct {
	ID          string     `json:"id" db:"id"`
	VideoID     string     `json:"video_id" db:"video_id"`
	VideoPath   string     `json:"video_path" db:"video_path"`
	Stage       string     `json:"stage" db:"stage"`
	Status      string     `json:"status" db:"status"`
	Progress    int        `json:"progress" db:"progress"`
	ErrorMsg    string     `json:"error_msg,omitempty" db:"error_msg"`
	ErrorCode   string     `json:"error_code,omitempty" db:"error_code"`
	OutputPath  string     `json:"output_path,omitempty" db:"output_path"`
	OutputURL   string     `json:"output_url,omitempty" db:"output_url"`
	Summary     Summary    `json:"summary" db:"summary"`
	WorkerID    string     `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Summary holds per-run counters filled in by the extraction stage
type Summary struct {
	Frames        int            `json:"frames"`
	Detections    int            `json:"detections"`
	SkippedFrames int            `json:"skipped_frames"`
	PerClass      map[string]int `json:"per_class,omitempty"`
}

// Value implements driver.Valuer for database storage
func (s Summary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database retrieval
func (s *Summary) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported summary type %T", value)
	}
}

// RunStatus constants
const (
	RunStatusPending    = "pending"
	RunStatusQueued     = "queued"
	RunStatusProcessing = "processing"
	RunStatusExtracted  = "extracted"
	RunStatusCancelling = "cancelling"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// IsTerminal reports whether a run in this status will not change again
func IsTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StatusForOutcome maps how a stage ended onto the run status. A successful
// extraction leaves the run waiting for export.
func StatusForOutcome(stage, outcome string) string {
	switch outcome {
	case "succeeded":
		if stage == "extract" {
			return RunStatusExtracted
		}
		return RunStatusCompleted
	case "cancelled":
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}

// RunRequest is the queue message asking a worker to process a video
type RunRequest struct {
	RunID      string    `json:"run_id"`
	VideoPath  string    `json:"video_path"`
	ExportOnly bool      `json:"export_only,omitempty"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunPriority constants
const (
	RunPriorityLow    = 0
	RunPriorityNormal = 5
	RunPriorityHigh   = 10
)
