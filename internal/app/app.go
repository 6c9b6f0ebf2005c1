// Package app assembles the pipeline, its controller and the optional
// infrastructure around it from configuration. All three commands start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/config"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/framestore"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/inference"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/video"
)

// detectorGrace is how long the detector gets to exit after its stdin closes
const detectorGrace = 5 * time.Second

// Options adds caller specific observers and reveal steps
type Options struct {
	Observers []controller.Observer
	Revealers []pipeline.Revealer
	// Detector replaces the subprocess worker, mainly for tests
	Detector inference.Detector
}

// App is a ready to use controller and the resources behind it
type App struct {
	Controller *controller.Controller
	Store      *framestore.DirStore
	Backend    video.Backend

	worker *inference.Worker
	tracer io.Closer
	logger *logging.Logger
}

// New builds the pipeline described by cfg. The detector process is started
// last so configuration errors never leave a child behind.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	policy, err := pipeline.ParseDetectFailurePolicy(cfg.Pipeline.DetectFailure)
	if err != nil {
		return nil, err
	}

	store, err := framestore.NewDirStore(framestore.Config{
		FrameDir:    cfg.Pipeline.FrameDir,
		LabelDir:    cfg.Pipeline.LabelDir,
		ImageFormat: cfg.Pipeline.ImageFormat,
		JPEGQuality: cfg.Pipeline.JPEGQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create frame store: %w", err)
	}

	backend, err := video.NewBackend(cfg.Pipeline.Backend, video.BackendConfig{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
	})
	if err != nil {
		return nil, err
	}

	revealer, err := buildRevealer(cfg.Pipeline.Reveal, opts.Revealers, logger)
	if err != nil {
		return nil, err
	}

	_, tracer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
	if err != nil {
		return nil, err
	}

	a := &App{Store: store, Backend: backend, tracer: tracer, logger: logger}

	detector := opts.Detector
	if detector == nil {
		worker, err := inference.NewWorker(inference.WorkerConfig{
			Command:     cfg.Detector.Command,
			Args:        cfg.Detector.Args,
			Env:         cfg.Detector.Env,
			Timeout:     cfg.Detector.Timeout,
			JPEGQuality: cfg.Pipeline.JPEGQuality,
		}, logger)
		if err != nil {
			tracer.Close()
			return nil, err
		}
		if err := worker.Start(ctx); err != nil {
			tracer.Close()
			return nil, fmt.Errorf("failed to start detector: %w", err)
		}
		a.worker = worker
		detector = worker
	}

	observers := controller.Observers{controller.NewLogObserver(logger), controller.MetricsObserver{}}
	observers = append(observers, opts.Observers...)

	extractor := pipeline.NewExtractor(backend, detector, store, policy, logger)
	exporter := pipeline.NewExporter(store, backend, revealer, cfg.Pipeline.Codec, logger)
	a.Controller = controller.New(extractor, exporter, cfg.Pipeline.OutputDir, observers, logger)

	logger.WithFields(map[string]interface{}{
		"backend":        cfg.Pipeline.Backend,
		"frame_dir":      cfg.Pipeline.FrameDir,
		"label_dir":      cfg.Pipeline.LabelDir,
		"output_dir":     cfg.Pipeline.OutputDir,
		"detect_failure": string(policy),
	}).Info("Pipeline ready")

	return a, nil
}

// buildRevealer combines the configured reveal mode with extra steps
func buildRevealer(mode string, extra []pipeline.Revealer, logger *logging.Logger) (pipeline.Revealer, error) {
	base, err := controller.NewRevealer(mode, logger)
	if err != nil {
		return nil, err
	}

	var all controller.Revealers
	if base != nil {
		all = append(all, base)
	}
	for _, r := range extra {
		if r != nil {
			all = append(all, r)
		}
	}

	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	default:
		return all, nil
	}
}

// Close cancels any running operation, waits for it and stops the detector
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Controller != nil {
		a.Controller.Cancel()
		if err := a.Controller.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.worker != nil {
		if err := a.worker.Close(detectorGrace); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop detector: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
