package controller

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

// OpenFolderRevealer opens the folder holding the output in the desktop file
// manager
type OpenFolderRevealer struct {
	Command string
}

// NewOpenFolderRevealer picks the file manager launcher for this OS
func NewOpenFolderRevealer() *OpenFolderRevealer {
	switch runtime.GOOS {
	case "windows":
		return &OpenFolderRevealer{Command: "explorer"}
	case "darwin":
		return &OpenFolderRevealer{Command: "open"}
	default:
		return &OpenFolderRevealer{Command: "xdg-open"}
	}
}

// Reveal starts the launcher without waiting for the window to close
func (r *OpenFolderRevealer) Reveal(ctx context.Context, outputPath string) error {
	dir, err := filepath.Abs(filepath.Dir(outputPath))
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}

	cmd := exec.Command(r.Command, dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.Command, err)
	}
	go cmd.Wait()
	return nil
}

// LogRevealer only logs where the output is
type LogRevealer struct {
	logger *logging.Logger
}

// NewLogRevealer creates a new log revealer
func NewLogRevealer(logger *logging.Logger) *LogRevealer {
	return &LogRevealer{logger: logger}
}

func (r *LogRevealer) Reveal(ctx context.Context, outputPath string) error {
	r.logger.WithField("output", outputPath).Info("Output video ready")
	return nil
}

// Revealers calls every revealer and joins their errors
type Revealers []pipeline.Revealer

func (rs Revealers) Reveal(ctx context.Context, outputPath string) error {
	var errs []error
	for _, r := range rs {
		if err := r.Reveal(ctx, outputPath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRevealer builds the revealer named in configuration: "open", "log" or
// "none"
func NewRevealer(name string, logger *logging.Logger) (pipeline.Revealer, error) {
	switch name {
	case "", "log":
		return NewLogRevealer(logger), nil
	case "open":
		return Revealers{NewLogRevealer(logger), NewOpenFolderRevealer()}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown reveal mode %q", name)
	}
}
