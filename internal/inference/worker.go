package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
)

// WorkerConfig describes the detector subprocess
type WorkerConfig struct {
	Command     string
	Args        []string
	Env         []string      // appended to the current environment
	Timeout     time.Duration // per frame, zero disables
	JPEGQuality int
}

// Worker runs the detection model as a child process. A process that exits,
// loses protocol sync or overruns the per-frame timeout is replaced on the
// spot.
type Worker struct {
	cfg    WorkerConfig
	logger *logging.Logger

	restartMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	client   *Client
	exited   chan struct{}
	err      error
	closed   bool
	restarts int
}

// NewWorker validates cfg. The process is started by Start.
func NewWorker(cfg WorkerConfig, logger *logging.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{cfg: cfg, logger: logger.WithField("component", "detector")}, nil
}

// Start spawns the worker process. It and any replacement live until Close or
// until ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil {
		return fmt.Errorf("detector already started")
	}
	if w.closed {
		return fmt.Errorf("detector is closed")
	}
	w.ctx = ctx
	return w.spawn()
}

// spawn starts a fresh process. w.mu must be held.
func (w *Worker) spawn() error {
	cmd := exec.CommandContext(w.ctx, w.cfg.Command, w.cfg.Args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}

	exited := make(chan struct{})
	w.cmd = cmd
	w.stdin = stdin
	w.client = NewClient(bufio.NewReader(stdout), stdin, w.cfg.JPEGQuality)
	w.exited = exited

	// stderr must be drained before Wait
	stderrDone := make(chan struct{})
	go func() {
		w.logStderr(stderr)
		close(stderrDone)
	}()
	go func() {
		<-stderrDone
		err := cmd.Wait()
		w.mu.Lock()
		if w.cmd == cmd {
			w.err = err
		}
		w.mu.Unlock()
		close(exited)
		if err != nil {
			w.logger.WarnWithErr("detector process exited", err)
		} else {
			w.logger.Debug("detector process exited")
		}
	}()

	w.logger.WithField("pid", cmd.Process.Pid).WithField("command", w.cfg.Command).Info("detector started")
	return nil
}

// restart kills the process behind stale and spawns a new one. It is a no-op
// when another caller already replaced stale.
func (w *Worker) restart(stale *Client, reason error) error {
	w.restartMu.Lock()
	defer w.restartMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("detector is closed")
	}
	if w.client != stale {
		w.mu.Unlock()
		return nil
	}
	cmd, stdin, exited := w.cmd, w.stdin, w.exited
	w.mu.Unlock()

	w.logger.WarnWithErr("restarting detector", reason)
	stdin.Close()
	select {
	case <-exited:
	default:
		cmd.Process.Kill()
		<-exited
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("detector is closed")
	}
	if err := w.ctx.Err(); err != nil {
		return fmt.Errorf("detector stopped: %w", err)
	}
	w.restarts++
	return w.spawn()
}

// Restarts reports how many times the process was replaced
func (w *Worker) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// logStderr forwards worker diagnostics to the logger by severity
func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "ERROR"), strings.Contains(upper, "CRITICAL"), strings.Contains(upper, "TRACEBACK"):
			w.logger.WithField("output", line).Error("detector stderr")
		case strings.Contains(upper, "WARN"):
			w.logger.WithField("output", line).Warn("detector stderr")
		default:
			w.logger.WithField("output", line).Debug("detector stderr")
		}
	}
}

// Detect sends one frame to the worker
func (w *Worker) Detect(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error) {
	w.mu.Lock()
	client, exited, closed := w.client, w.exited, w.closed
	w.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("detector not started")
	}
	if closed {
		return nil, fmt.Errorf("detector is closed")
	}

	var gone error
	select {
	case <-exited:
		gone = fmt.Errorf("detector process is not running")
	default:
		if client.Broken() {
			gone = ErrClientBroken
		}
	}
	if gone != nil {
		if err := w.restart(client, gone); err != nil {
			return nil, fmt.Errorf("%v: %w", gone, err)
		}
		w.mu.Lock()
		client = w.client
		w.mu.Unlock()
	}

	frameCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		frameCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	dets, err := client.Detect(frameCtx, img, conf, iou)
	if err != nil {
		// A hung model is replaced. A caller that gave up leaves the late
		// response for the next call to discard.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			if rerr := w.restart(client, err); rerr != nil {
				w.logger.WarnWithErr("detector restart failed", rerr)
			}
		}
		return nil, fmt.Errorf("detection failed: %w", err)
	}
	return dets, nil
}

// Close closes the worker's stdin and waits for it to exit, killing it after
// grace has elapsed
func (w *Worker) Close(grace time.Duration) error {
	w.restartMu.Lock()
	defer w.restartMu.Unlock()

	w.mu.Lock()
	cmd, stdin, exited := w.cmd, w.stdin, w.exited
	w.closed = true
	w.mu.Unlock()

	if cmd == nil {
		return nil
	}

	stdin.Close()

	select {
	case <-exited:
	case <-time.After(grace):
		w.logger.Warn("detector did not exit, killing it")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill detector: %w", err)
		}
		<-exited
	}
	return nil
}
