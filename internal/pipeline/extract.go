package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/framestore"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/inference"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/video"
)

// ExtractResult summarizes an extraction
type ExtractResult struct {
	VideoID       string         `json:"video_id"`
	Frames        int            `json:"frames"`
	Detections    int            `json:"detections"`
	SkippedFrames int            `json:"skipped_frames"` // frames stored without detections under DetectFailureSkip
	PerClass      map[string]int `json:"per_class,omitempty"`
	Cancelled     bool           `json:"cancelled"`
}

// Extractor runs the extraction stage
type Extractor struct {
	opener   video.Opener
	detector inference.Detector
	store    FrameStore
	policy   DetectFailurePolicy
	logger   *logging.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(opener video.Opener, detector inference.Detector, store FrameStore, policy DetectFailurePolicy, logger *logging.Logger) *Extractor {
	if policy == "" {
		policy = DetectFailureAbort
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Extractor{
		opener:   opener,
		detector: detector,
		store:    store,
		policy:   policy,
		logger:   logger,
	}
}

// Extract clears the frame store, then decodes videoPath and stores each
// frame with its detection records. A cancelled token or context stops it at
// the next frame boundary and keeps what was written so far.
func (e *Extractor) Extract(ctx context.Context, videoPath string, tok *Token, progress ProgressFunc) (res *ExtractResult, err error) {
	if tok == nil {
		tok = NewToken()
	}
	if progress == nil {
		progress = nopProgress
	}
	defer tok.Bind(ctx)()

	videoID := VideoID(videoPath)
	logger := e.logger.WithVideoID(videoID).WithStage(StageExtract)

	span, ctx := tracing.StartStageSpan(ctx, StageExtract, videoID)
	defer tracing.FinishSpan(span)

	start := time.Now()
	metrics.RecordStageStarted(StageExtract)
	defer func() {
		outcome := outcomeOf(err, res != nil && res.Cancelled)
		metrics.RecordStageCompleted(StageExtract, string(outcome), time.Since(start).Seconds())
		if err != nil {
			tracing.LogError(span, err)
			metrics.RecordError("pipeline", Code(err))
		}
	}()

	if err := e.store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreReset, err)
	}

	src, err := e.opener.Open(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceOpen, videoPath, err)
	}
	defer src.Close()

	info := src.Info()
	total := info.EstimatedFrames()
	logger.WithFields(map[string]interface{}{
		"width":        info.Width,
		"height":       info.Height,
		"frame_rate":   info.FrameRate,
		"total_frames": total,
	}).Info("Extraction started")

	res = &ExtractResult{VideoID: videoID, PerClass: make(map[string]int)}
	width, height := info.Width, info.Height

	// errors caused by the context ending are a cancellation
	fail := func(err error) (*ExtractResult, error) {
		if ctx.Err() != nil {
			res.Cancelled = true
			logger.WithField("frames", res.Frames).Info("Extraction interrupted")
			return res, nil
		}
		return res, err
	}

	for {
		if tok.Cancelled() || ctx.Err() != nil {
			res.Cancelled = true
			logger.WithField("frames", res.Frames).Info("Extraction cancelled")
			return res, nil
		}

		img, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("%w: frame %d: %w", ErrSourceRead, res.Frames, err))
		}

		b := img.Bounds()
		if width <= 0 || height <= 0 {
			width, height = b.Dx(), b.Dy()
		}
		if b.Dx() != width || b.Dy() != height {
			return res, fmt.Errorf("%w: frame %d is %dx%d, video is %dx%d",
				ErrFrameGeometry, res.Frames, b.Dx(), b.Dy(), width, height)
		}

		key := framestore.FrameKey{VideoID: videoID, Index: res.Frames}
		if err := e.store.PutFrame(ctx, key, img); err != nil {
			return fail(fmt.Errorf("%w: %s: %w", ErrStore, key, err))
		}

		records, err := e.detect(ctx, img, key, logger)
		if err != nil {
			return fail(err)
		}
		if records == nil {
			res.SkippedFrames++
		}

		if err := e.store.PutRecords(ctx, key, records); err != nil {
			return fail(fmt.Errorf("%w: %s: %w", ErrStore, key, err))
		}

		res.Frames++
		res.Detections += len(records)
		names := classNames(records)
		for _, n := range names {
			res.PerClass[n]++
		}
		metrics.RecordFrameExtracted(names)

		p := extractProgress(res.Frames, total)
		logger.LogFrameProgress(StageExtract, res.Frames, total, p)
		progress(p)
	}

	progress(ExtractShare)
	tracing.SetTag(span, "frames", res.Frames)
	logger.WithFields(map[string]interface{}{
		"frames":     res.Frames,
		"detections": res.Detections,
		"skipped":    res.SkippedFrames,
		"duration":   time.Since(start).String(),
	}).Info("Extraction completed")
	return res, nil
}

// detect runs the detector on one frame and normalizes its boxes. Under the
// skip policy a failure yields nil records; a successful call never does.
func (e *Extractor) detect(ctx context.Context, img image.Image, key framestore.FrameKey, logger *logging.Logger) ([]detection.Record, error) {
	span, ctx := tracing.StartSpan(ctx, "detector.detect")
	defer tracing.FinishSpan(span)

	start := time.Now()
	dets, err := e.detector.Detect(ctx, img, ConfidenceThreshold, IoUThreshold)
	metrics.RecordDetectorCall(time.Since(start).Seconds(), err, string(e.policy))

	if err != nil {
		tracing.LogError(span, err)
		if e.policy == DetectFailureSkip && ctx.Err() == nil {
			logger.WithError(err).WithField("frame", key.Index).Warn("Detector failed, storing frame without detections")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDetection, key, err)
	}

	b := img.Bounds()
	records := make([]detection.Record, 0, len(dets))
	for _, d := range dets {
		records = append(records, detection.Normalize(d, b.Dx(), b.Dy()))
	}
	return records, nil
}

func classNames(records []detection.Record) []string {
	names := make([]string, 0, len(records))
	for _, r := range records {
		if c, err := detection.ClassByID(r.ClassID); err == nil {
			names = append(names, c.Name)
		} else {
			names = append(names, "unknown")
		}
	}
	return names
}

func outcomeOf(err error, cancelled bool) Outcome {
	switch {
	case err != nil:
		return OutcomeFailed
	case cancelled:
		return OutcomeCancelled
	default:
		return OutcomeSucceeded
	}
}
