//go:build gocv

package video

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"

	"gocv.io/x/gocv"
)

// The OpenCV backend needs cgo and a local OpenCV install, so it is only
// compiled with -tags gocv.
func init() {
	Register("gocv", func(cfg BackendConfig) (Backend, error) {
		return &GoCV{}, nil
	})
}

// GoCV decodes and encodes through OpenCV
type GoCV struct{}

// Open opens path with cv::VideoCapture
func (g *GoCV) Open(ctx context.Context, path string) (Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("failed to open %s", path)
	}

	info := Info{
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
		FrameRate:  vc.Get(gocv.VideoCaptureFPS),
	}
	if info.FrameCount < 0 {
		info.FrameCount = 0
	}
	if info.FrameRate > 0 && info.FrameCount > 0 {
		info.Duration = float64(info.FrameCount) / info.FrameRate
	}

	return &gocvSource{vc: vc, mat: gocv.NewMat(), info: info}, nil
}

type gocvSource struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info Info
}

func (s *gocvSource) Info() Info {
	return s.info
}

func (s *gocvSource) Next() (*image.RGBA, error) {
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

func (s *gocvSource) Close() error {
	s.mat.Close()
	return s.vc.Close()
}

// Create opens a cv::VideoWriter. Codec is a fourcc such as mp4v.
func (g *GoCV) Create(ctx context.Context, path string, opts SinkOptions) (Sink, error) {
	codec := opts.Codec
	if codec == "" {
		codec = "mp4v"
	}

	vw, err := gocv.VideoWriterFile(path, codec, opts.FrameRate, opts.Width, opts.Height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("failed to create %s with codec %s", path, codec)
	}

	return &gocvSink{vw: vw}, nil
}

type gocvSink struct {
	vw *gocv.VideoWriter
}

func (s *gocvSink) Write(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	if err := s.vw.Write(mat); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *gocvSink) Close() error {
	return s.vw.Close()
}
