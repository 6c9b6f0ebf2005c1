package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/overlay"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/video"
)

// Exporter runs the export stage
type Exporter struct {
	store    FrameStore
	creator  video.Creator
	renderer *overlay.Renderer
	revealer Revealer
	codec    string
	logger   *logging.Logger
}

// NewExporter creates a new exporter. revealer may be nil.
func NewExporter(store FrameStore, creator video.Creator, revealer Revealer, codec string, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Exporter{
		store:    store,
		creator:  creator,
		renderer: overlay.NewRenderer(),
		revealer: revealer,
		codec:    codec,
		logger:   logger,
	}
}

// Export renders every stored frame of videoID with its detections into
// outputPath at OutputFrameRate. Each frame's records are deleted after the
// frame is written. It returns true when all frames were written and false
// when the token was cancelled first.
func (e *Exporter) Export(ctx context.Context, videoID, outputPath string, tok *Token, progress ProgressFunc) (completed bool, err error) {
	if tok == nil {
		tok = NewToken()
	}
	if progress == nil {
		progress = nopProgress
	}
	defer tok.Bind(ctx)()

	logger := e.logger.WithVideoID(videoID).WithStage(StageExport)

	span, ctx := tracing.StartStageSpan(ctx, StageExport, videoID)
	defer tracing.FinishSpan(span)

	start := time.Now()
	metrics.RecordStageStarted(StageExport)
	defer func() {
		outcome := outcomeOf(err, !completed)
		metrics.RecordStageCompleted(StageExport, string(outcome), time.Since(start).Seconds())
		if err != nil {
			tracing.LogError(span, err)
			metrics.RecordError("pipeline", Code(err))
		}
	}()

	keys, err := e.store.Frames(ctx, videoID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if len(keys) == 0 {
		return false, fmt.Errorf("%w: video %s", ErrNoFrames, videoID)
	}

	// the first frame decides the output size, so it must load before the
	// encoder is opened
	first, err := e.store.LoadFrame(ctx, keys[0])
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrMissingFrame, keys[0], err)
	}
	width, height := first.Bounds().Dx(), first.Bounds().Dy()

	// a cancelled export must not leave an empty file at outputPath
	if tok.Cancelled() {
		logger.Info("Export cancelled before the encoder opened")
		return false, nil
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("%w: %w", ErrEncoderOpen, err)
		}
	}

	sink, err := e.creator.Create(ctx, outputPath, video.SinkOptions{
		Width:     width,
		Height:    height,
		FrameRate: OutputFrameRate,
		Codec:     e.codec,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrEncoderOpen, outputPath, err)
	}

	closed := false
	defer func() {
		if !closed {
			if cerr := sink.Close(); cerr != nil {
				logger.WarnWithErr("Failed to close encoder", cerr)
			}
		}
	}()

	logger.WithFields(map[string]interface{}{
		"frames": len(keys),
		"width":  width,
		"height": height,
		"output": outputPath,
	}).Info("Export started")

	total := len(keys)
	for i, key := range keys {
		if tok.Cancelled() || ctx.Err() != nil {
			logger.WithField("frames", i).Info("Export cancelled")
			return false, nil
		}

		img := first
		if i > 0 {
			if img, err = e.store.LoadFrame(ctx, key); err != nil {
				if ctx.Err() != nil {
					return false, nil
				}
				return false, fmt.Errorf("%w: %s: %w", ErrMissingFrame, key, err)
			}
		}

		records, _, err := e.store.LoadRecords(ctx, key)
		if err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrStore, key, err)
		}
		for _, r := range records {
			if !detection.ValidClassID(r.ClassID) {
				return false, fmt.Errorf("%w: %d in %s", ErrInvalidClassID, r.ClassID, key)
			}
		}

		b := img.Bounds()
		e.renderer.Draw(img, overlay.Labels(records, b.Dx(), b.Dy()))

		if err := sink.Write(img); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s: %w", ErrEncoderWrite, key, err)
		}

		if err := e.store.DeleteRecords(ctx, key); err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrStore, key, err)
		}

		metrics.RecordFrameExported()
		p := exportProgress(i, total)
		logger.LogFrameProgress(StageExport, i+1, total, p)
		progress(p)
	}

	closed = true
	if err := sink.Close(); err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrEncoderWrite, outputPath, err)
	}

	progress(MaxProgress)
	tracing.SetTag(span, "frames", total)
	logger.WithFields(map[string]interface{}{
		"frames":   total,
		"output":   outputPath,
		"duration": time.Since(start).String(),
	}).Info("Export completed")

	if e.revealer != nil {
		if err := e.revealer.Reveal(ctx, outputPath); err != nil {
			logger.WarnWithErr("Failed to reveal output", err)
		}
	}

	return true, nil
}
