package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

func init() {
	Register("ffmpeg", func(cfg BackendConfig) (Backend, error) {
		return NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath), nil
	})
}

// FFmpeg decodes and encodes through ffmpeg/ffprobe subprocesses exchanging
// raw RGBA frames over pipes
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg backend
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// ProbeResult holds the parts of ffprobe output we use
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat holds container information
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// ProbeStream holds stream information
type ProbeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
	FrameRate    string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Probe runs ffprobe on path
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String())
	}

	var result ProbeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return &result, nil
}

// Info converts probe output into video Info
func (p *ProbeResult) Info() (Info, error) {
	for _, s := range p.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return Info{}, fmt.Errorf("video stream has invalid size %dx%d", s.Width, s.Height)
		}

		info := Info{Width: s.Width, Height: s.Height}
		if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
			info.FrameCount = n
		}

		info.FrameRate = parseRate(s.AvgFrameRate)
		if info.FrameRate == 0 {
			info.FrameRate = parseRate(s.FrameRate)
		}

		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
			info.Duration = d
		} else if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
			info.Duration = d
		}
		return info, nil
	}

	return Info{}, fmt.Errorf("no video stream found")
}

// parseRate parses ffprobe rates like "30000/1001" or "25"
func parseRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	parts := strings.Split(rate, "/")
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}

// Open probes path and starts decoding it
func (f *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	info, err := probe.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	args := []string{
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &ffmpegSource{
		info:   info,
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, 4*info.Width*info.Height),
		pipe:   stdout,
		stderr: stderr,
	}, nil
}

type ffmpegSource struct {
	info   Info
	cmd    *exec.Cmd
	stdout *bufio.Reader
	pipe   io.ReadCloser
	stderr *syncBuffer
	done   bool
	once   sync.Once
	err    error
}

func (s *ffmpegSource) Info() Info {
	return s.info
}

func (s *ffmpegSource) Next() (*image.RGBA, error) {
	if s.done {
		return nil, io.EOF
	}

	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	_, err := io.ReadFull(s.stdout, img.Pix)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, io.EOF):
		s.done = true
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		s.wait()
		return nil, fmt.Errorf("truncated frame from ffmpeg, stderr: %s", s.stderr.String())
	default:
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
}

func (s *ffmpegSource) wait() error {
	s.once.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			s.err = fmt.Errorf("ffmpeg decode failed: %w, stderr: %s", err, s.stderr.String())
		}
	})
	return s.err
}

// Close stops the decoder. Stopping early is not an error.
func (s *ffmpegSource) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.pipe.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.wait()
	return nil
}

// EncoderName maps a fourcc style codec identifier to an ffmpeg encoder
func EncoderName(codec string) string {
	switch strings.ToLower(codec) {
	case "", "mp4v", "fmp4":
		return "mpeg4"
	case "avc1", "h264", "x264":
		return "libx264"
	case "hevc", "h265", "hev1":
		return "libx265"
	case "mjpg":
		return "mjpeg"
	case "vp09", "vp9":
		return "libvpx-vp9"
	default:
		return codec
	}
}

func encodeArgs(path string, opts SinkOptions) []string {
	return []string{
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-r", strconv.FormatFloat(opts.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", EncoderName(opts.Codec),
		"-pix_fmt", "yuv420p",
		path,
	}
}

// Create starts an encoder writing to path
func (f *FFmpeg) Create(ctx context.Context, path string, opts SinkOptions) (Sink, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", opts.Width, opts.Height)
	}
	if opts.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid output frame rate %v", opts.FrameRate)
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, encodeArgs(path, opts)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &ffmpegSink{
		opts:   opts,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

type ffmpegSink struct {
	opts   SinkOptions
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer
	closed bool
}

func (s *ffmpegSink) Write(img image.Image) error {
	if s.closed {
		return fmt.Errorf("write to closed encoder")
	}

	b := img.Bounds()
	if b.Dx() != s.opts.Width || b.Dy() != s.opts.Height {
		return fmt.Errorf("frame size %dx%d does not match encoder %dx%d",
			b.Dx(), b.Dy(), s.opts.Width, s.opts.Height)
	}

	if _, err := s.stdin.Write(packRGBA(img)); err != nil {
		return fmt.Errorf("failed to write frame to ffmpeg: %w, stderr: %s", err, s.stderr.String())
	}
	return nil
}

// packRGBA returns img as tightly packed rgba rows. An *image.RGBA whose
// pixels already start at Pix[0] with no row padding is used in place.
func packRGBA(img image.Image) []byte {
	b := img.Bounds()
	n := 4 * b.Dx() * b.Dy()
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() && rgba.PixOffset(b.Min.X, b.Min.Y) == 0 {
		return rgba.Pix[:n]
	}

	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba.Pix
}

func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w, stderr: %s", err, s.stderr.String())
	}
	return nil
}

// syncBuffer collects subprocess stderr while other goroutines may read it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
