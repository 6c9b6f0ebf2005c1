package pipeline

import (
	"errors"
)

// Stage failures. Callers match them with errors.Is; the returned error also
// wraps the underlying cause.
var (
	ErrSourceOpen     = errors.New("source open failed")
	ErrSourceRead     = errors.New("source read failed")
	ErrFrameGeometry  = errors.New("frame size mismatch")
	ErrStoreReset     = errors.New("frame store reset failed")
	ErrStore          = errors.New("frame store operation failed")
	ErrDetection      = errors.New("detection failed")
	ErrNoFrames       = errors.New("no frames to export")
	ErrMissingFrame   = errors.New("frame image missing")
	ErrEncoderOpen    = errors.New("encoder open failed")
	ErrEncoderWrite   = errors.New("encoder write failed")
	ErrInvalidClassID = errors.New("invalid class id")
)

// Outcome is how a stage ended
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type category struct {
	err     error
	code    string
	message string
}

var categories = []category{
	{ErrSourceOpen, "source_open", "The video could not be opened"},
	{ErrSourceRead, "source_read", "The video could not be decoded"},
	{ErrFrameGeometry, "frame_geometry", "The video changed frame size mid-stream"},
	{ErrStoreReset, "store_reset", "The working directories could not be cleared"},
	{ErrStore, "store", "Frames or detections could not be saved or read"},
	{ErrDetection, "detection", "The detector failed on a frame"},
	{ErrNoFrames, "no_frames", "There are no frames to export, run detection first"},
	{ErrMissingFrame, "missing_frame", "A listed frame image could not be loaded"},
	{ErrEncoderOpen, "encoder_open", "The output video could not be created"},
	{ErrEncoderWrite, "encoder_write", "The output video could not be written"},
	{ErrInvalidClassID, "invalid_class_id", "A detection refers to an unknown vehicle class"},
}

func lookup(err error) (category, bool) {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c, true
		}
	}
	return category{}, false
}

// Category returns a human readable description of the failure class of err
func Category(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := lookup(err); ok {
		return c.message
	}
	return "Unexpected error"
}

// Code returns a short machine friendly name for the failure class of err,
// used as a metric label
func Code(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := lookup(err); ok {
		return c.code
	}
	return "unknown"
}
