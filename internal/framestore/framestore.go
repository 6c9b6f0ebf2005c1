// Package framestore holds decoded frames and their detection records between
// the extraction and export stages.
//
// The filesystem layout keeps two flat directories:
//
//	{frameDir}/{videoID}_img{index:04d}.{jpg|png}
//	{labelDir}/{videoID}_img{index:04d}.txt
//
// Zero padding is for people browsing the directories. Ordering is always done
// on the parsed integer index.
package framestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
)

const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"

	recordExt = ".txt"
	indexSep  = "_img"
)

// FrameKey identifies one frame of one video
type FrameKey struct {
	VideoID string
	Index   int
}

// Name returns the file stem shared by the frame image and its record file
func (k FrameKey) Name() string {
	return fmt.Sprintf("%s%s%04d", k.VideoID, indexSep, k.Index)
}

func (k FrameKey) String() string {
	return k.Name()
}

// ParseName parses a file stem produced by FrameKey.Name
func ParseName(stem string) (FrameKey, error) {
	i := strings.LastIndex(stem, indexSep)
	if i <= 0 {
		return FrameKey{}, fmt.Errorf("frame name %q has no %s separator", stem, indexSep)
	}

	digits := stem[i+len(indexSep):]
	if digits == "" {
		return FrameKey{}, fmt.Errorf("frame name %q has no index", stem)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return FrameKey{}, fmt.Errorf("frame name %q has a non-numeric index", stem)
		}
	}

	index, err := strconv.Atoi(digits)
	if err != nil {
		return FrameKey{}, fmt.Errorf("frame name %q: %w", stem, err)
	}

	return FrameKey{VideoID: stem[:i], Index: index}, nil
}

// Config holds frame store configuration
type Config struct {
	FrameDir    string
	LabelDir    string
	ImageFormat string // jpg or png
	JPEGQuality int
}

// DirStore is a Frame Store backed by two local directories
type DirStore struct {
	frameDir string
	labelDir string
	format   string
	quality  int
}

// NewDirStore creates a directory-backed store. Directories are created lazily
// by Reset.
func NewDirStore(cfg Config) (*DirStore, error) {
	if cfg.FrameDir == "" || cfg.LabelDir == "" {
		return nil, fmt.Errorf("frame and label directories are required")
	}
	if filepath.Clean(cfg.FrameDir) == filepath.Clean(cfg.LabelDir) {
		return nil, fmt.Errorf("frame and label directories must differ")
	}

	format := strings.ToLower(strings.TrimPrefix(cfg.ImageFormat, "."))
	switch format {
	case "", "jpeg", FormatJPEG:
		format = FormatJPEG
	case FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported image format %q", cfg.ImageFormat)
	}

	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 95
	}

	return &DirStore{
		frameDir: cfg.FrameDir,
		labelDir: cfg.LabelDir,
		format:   format,
		quality:  quality,
	}, nil
}

// FramePath returns the image path for key
func (s *DirStore) FramePath(key FrameKey) string {
	return filepath.Join(s.frameDir, key.Name()+"."+s.format)
}

// RecordPath returns the record file path for key
func (s *DirStore) RecordPath(key FrameKey) string {
	return filepath.Join(s.labelDir, key.Name()+recordExt)
}

// Reset removes every frame and record of every video and recreates the empty
// directories. The store holds a single run at a time.
func (s *DirStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, dir := range []string{s.frameDir, s.labelDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

// PutFrame encodes img under key
func (s *DirStore) PutFrame(ctx context.Context, key FrameKey, img image.Image) error {
	f, err := os.Create(s.FramePath(key))
	if err != nil {
		return fmt.Errorf("failed to create frame %s: %w", key, err)
	}

	switch s.format {
	case FormatPNG:
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: s.quality})
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to encode frame %s: %w", key, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write frame %s: %w", key, err)
	}
	return nil
}

// LoadFrame decodes the frame stored under key
func (s *DirStore) LoadFrame(ctx context.Context, key FrameKey) (*image.RGBA, error) {
	f, err := os.Open(s.FramePath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open frame %s: %w", key, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", key, err)
	}

	return toRGBA(img), nil
}

// PutRecords writes the record file for key. An empty slice still creates the
// file so the frame reads as processed.
func (s *DirStore) PutRecords(ctx context.Context, key FrameKey, records []detection.Record) error {
	f, err := os.Create(s.RecordPath(key))
	if err != nil {
		return fmt.Errorf("failed to create records %s: %w", key, err)
	}

	if err := detection.WriteRecords(f, records); err != nil {
		f.Close()
		return fmt.Errorf("failed to write records %s: %w", key, err)
	}
	return f.Close()
}

// LoadRecords reads the records for key. The bool is false when no record file
// exists, which means the frame has no detections.
func (s *DirStore) LoadRecords(ctx context.Context, key FrameKey) ([]detection.Record, bool, error) {
	f, err := os.Open(s.RecordPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to open records %s: %w", key, err)
	}
	defer f.Close()

	records, err := detection.ReadRecords(f)
	if err != nil {
		return nil, true, fmt.Errorf("failed to parse records %s: %w", key, err)
	}
	return records, true, nil
}

// DeleteRecords removes the record file for key. Deleting an absent file is
// not an error.
func (s *DirStore) DeleteRecords(ctx context.Context, key FrameKey) error {
	err := os.Remove(s.RecordPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete records %s: %w", key, err)
	}
	return nil
}

// Frames lists the frames stored for videoID in ascending index order
func (s *DirStore) Frames(ctx context.Context, videoID string) ([]FrameKey, error) {
	entries, err := os.ReadDir(s.frameDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	suffix := "." + s.format
	var keys []FrameKey
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}

		key, err := ParseName(strings.TrimSuffix(name, suffix))
		if err != nil || key.VideoID != videoID {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Index < keys[j].Index })
	return keys, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
