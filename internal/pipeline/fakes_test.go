package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/framestore"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/inference"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/video"
)

// solidFrame returns an opaque frame filled with c
func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, 255
	}
	return img
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}

type fakeSource struct {
	info    video.Info
	frames  []*image.RGBA
	readErr error // returned after frames are exhausted instead of io.EOF
	next    int
	closed  bool
}

func (s *fakeSource) Info() video.Info { return s.info }

func (s *fakeSource) Next() (*image.RGBA, error) {
	if s.next >= len(s.frames) {
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, io.EOF
	}
	img := cloneRGBA(s.frames[s.next])
	s.next++
	return img, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	src    *fakeSource
	err    error
	opened []string
}

func (o *fakeOpener) Open(ctx context.Context, path string) (video.Source, error) {
	o.opened = append(o.opened, path)
	if o.err != nil {
		return nil, o.err
	}
	o.src.next = 0
	return o.src, nil
}

type fakeSink struct {
	opts     video.SinkOptions
	frames   []*image.RGBA
	writeErr error
	closeErr error
	closed   int
}

func (s *fakeSink) Write(img image.Image) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, cloneRGBA(img.(*image.RGBA)))
	return nil
}

func (s *fakeSink) Close() error {
	s.closed++
	return s.closeErr
}

type fakeCreator struct {
	sink    *fakeSink
	err     error
	path    string
	created int
}

func (c *fakeCreator) Create(ctx context.Context, path string, opts video.SinkOptions) (video.Sink, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.created++
	c.path = path
	c.sink.opts = opts
	return c.sink, nil
}

type recordingRevealer struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *recordingRevealer) Reveal(ctx context.Context, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, outputPath)
	return r.err
}

// carDetector reports one car covering the middle fifth of every frame
func carDetector(classID int) inference.Detector {
	return inference.DetectorFunc(func(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error) {
		b := img.Bounds()
		return []detection.Detection{{
			ClassID: classID,
			CenterX: float64(b.Dx()) / 2,
			CenterY: float64(b.Dy()) / 2,
			Width:   float64(b.Dx()) / 5,
			Height:  float64(b.Dy()) / 5,
			Score:   0.9,
		}}, nil
	})
}

var noDetections = inference.DetectorFunc(func(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error) {
	return nil, nil
})

var errDetector = errors.New("detector crashed")

// progressLog collects reported values
type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) report(v int) {
	p.mu.Lock()
	p.values = append(p.values, v)
	p.mu.Unlock()
}

func (p *progressLog) get() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func newStore(t *testing.T) *framestore.DirStore {
	t.Helper()
	dir := t.TempDir()
	store, err := framestore.NewDirStore(framestore.Config{
		FrameDir:    filepath.Join(dir, "frames"),
		LabelDir:    filepath.Join(dir, "labels"),
		ImageFormat: framestore.FormatPNG,
	})
	require.NoError(t, err)
	return store
}

var gray = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// clip is a source of n gray 100x100 frames
func clip(n int) *fakeSource {
	frames := make([]*image.RGBA, n)
	for i := range frames {
		frames[i] = solidFrame(100, 100, gray)
	}
	return &fakeSource{
		info:   video.Info{Width: 100, Height: 100, FrameCount: n, FrameRate: 30},
		frames: frames,
	}
}
