// Package pipeline implements the two stages of a detection run.
//
// Extraction decodes a video frame by frame, stores every frame and the
// detector's normalized boxes for it. Export reads the stored frames back in
// index order, burns the boxes in and encodes the result, deleting each
// frame's records once it has been written. Both stages report progress on a
// shared 0-100 scale (extraction 0-60, export 60-100) and stop at the next
// frame boundary when their Token is cancelled.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/framestore"
)

// Detector parameters and output frame rate are fixed for every run
const (
	ConfidenceThreshold = 0.25
	IoUThreshold        = 0.4
	OutputFrameRate     = 25
)

// Stage names
const (
	StageExtract = "extract"
	StageExport  = "export"
)

// FrameStore holds frames and detection records between the stages
type FrameStore interface {
	Reset(ctx context.Context) error
	PutFrame(ctx context.Context, key framestore.FrameKey, img image.Image) error
	LoadFrame(ctx context.Context, key framestore.FrameKey) (*image.RGBA, error)
	PutRecords(ctx context.Context, key framestore.FrameKey, records []detection.Record) error
	LoadRecords(ctx context.Context, key framestore.FrameKey) ([]detection.Record, bool, error)
	DeleteRecords(ctx context.Context, key framestore.FrameKey) error
	Frames(ctx context.Context, videoID string) ([]framestore.FrameKey, error)
}

// Revealer is told where a finished output video is
type Revealer interface {
	Reveal(ctx context.Context, outputPath string) error
}

// RevealerFunc adapts a function to Revealer
type RevealerFunc func(ctx context.Context, outputPath string) error

// Reveal calls f
func (f RevealerFunc) Reveal(ctx context.Context, outputPath string) error {
	return f(ctx, outputPath)
}

// DetectFailurePolicy decides what a detector error does to an extraction
type DetectFailurePolicy string

const (
	// DetectFailureAbort fails the stage with ErrDetection
	DetectFailureAbort DetectFailurePolicy = "abort"
	// DetectFailureSkip stores the frame with zero detections and continues
	DetectFailureSkip DetectFailurePolicy = "skip"
)

// ParseDetectFailurePolicy validates a configured policy. Empty means abort.
func ParseDetectFailurePolicy(s string) (DetectFailurePolicy, error) {
	switch DetectFailurePolicy(strings.ToLower(s)) {
	case "", DetectFailureAbort:
		return DetectFailureAbort, nil
	case DetectFailureSkip:
		return DetectFailureSkip, nil
	default:
		return "", fmt.Errorf("unknown detect failure policy %q", s)
	}
}

// VideoID derives the frame store prefix from a video path: the base name
// without its extension
func VideoID(videoPath string) string {
	base := filepath.Base(videoPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputPath is where Export writes the video for videoID
func OutputPath(outputDir, videoID string) string {
	return filepath.Join(outputDir, videoID+".mp4")
}
