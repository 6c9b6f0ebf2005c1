package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
)

// ObjectStore is the part of Storage the Publisher uses
type ObjectStore interface {
	UploadFile(ctx context.Context, objectName, filePath string) (int64, error)
	GetURL(ctx context.Context, objectName string) (string, error)
}

// Publisher uploads finished output videos and hands out a presigned URL.
// It is used as the export stage's reveal step.
type Publisher struct {
	store  ObjectStore
	prefix string
	logger *logging.Logger

	// OnPublished, when set, receives the output path and its URL
	OnPublished func(outputPath, url string)
}

// NewPublisher creates a publisher writing objects under prefix
func NewPublisher(store ObjectStore, prefix string, logger *logging.Logger) *Publisher {
	return &Publisher{store: store, prefix: prefix, logger: logger}
}

// ObjectNameFor is the key an output file is stored under
func (p *Publisher) ObjectNameFor(outputPath string) string {
	return path.Join(p.prefix, filepath.Base(outputPath))
}

// Reveal uploads outputPath
func (p *Publisher) Reveal(ctx context.Context, outputPath string) error {
	objectName := p.ObjectNameFor(outputPath)
	start := time.Now()

	size, err := p.store.UploadFile(ctx, objectName, outputPath)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation("upload", status, time.Since(start).Seconds(), size)
	p.logger.LogStorageOperation("upload", p.prefix, objectName, size, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to publish output: %w", err)
	}

	url, err := p.store.GetURL(ctx, objectName)
	if err != nil {
		return fmt.Errorf("failed to sign output URL: %w", err)
	}

	p.logger.WithField("object", objectName).WithField("url", url).Info("Output video published")
	if p.OnPublished != nil {
		p.OnPublished(outputPath, url)
	}
	return nil
}
