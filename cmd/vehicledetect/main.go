package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/app"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/config"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/controller"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

const usage = `usage: vehicledetect <command> [flags] <video>

commands:
  extract   split the video into frames and detect vehicles
  export    render stored frames and detections into {outputDir}/{videoId}.mp4
  run       extract then export

flags:
`

// exit codes
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	configPath    string
	logLevel      string
	outputDir     string
	reveal        string
	detectFailure string
	noProgress    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	command := args[0]

	var opts options
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.StringVar(&opts.outputDir, "output", "", "output directory, overrides pipeline.outputDir")
	fs.StringVar(&opts.reveal, "reveal", "", "reveal mode: log, open or none")
	fs.StringVar(&opts.detectFailure, "detect-failure", "", "detector failure policy: abort or skip")
	fs.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress bar")

	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	videoPath := fs.Arg(0)

	switch command {
	case "extract", "export", "run":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		fs.Usage()
		return exitUsage
	}

	logger, err := logging.NewLogger(logging.Config{Level: opts.logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.ErrorWithErr("Failed to load config", err)
		return exitFailed
	}
	applyOverrides(cfg, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var observers []controller.Observer
	var bar *barObserver
	if !opts.noProgress {
		bar = newBarObserver(stderr)
		observers = append(observers, bar)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Observers: observers})
	if err != nil {
		logger.ErrorWithErr("Failed to initialize pipeline", err)
		return exitFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.WarnWithErr("Shutdown was not clean", err)
		}
	}()

	status, err := execute(ctx, a.Controller, command, videoPath)
	if bar != nil {
		fmt.Fprintln(stderr)
	}
	fmt.Fprintln(stderr, status.Message)

	switch {
	case err != nil:
		logger.ErrorWithErr("Run failed", err)
		return exitFailed
	case status.State == controller.StateCancelled:
		return exitCancelled
	}
	if status.OutputPath != "" && status.Stage == pipeline.StageExport {
		fmt.Println(status.OutputPath)
	}
	return exitOK
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.outputDir != "" {
		cfg.Pipeline.OutputDir = opts.outputDir
	}
	if opts.reveal != "" {
		cfg.Pipeline.Reveal = opts.reveal
	}
	if opts.detectFailure != "" {
		cfg.Pipeline.DetectFailure = opts.detectFailure
	}
}

// execute runs one command to completion. Interrupts cancel the running stage
// through ctx.
func execute(ctx context.Context, c *controller.Controller, command, videoPath string) (controller.Status, error) {
	switch command {
	case "extract":
		_, err := c.Select(ctx, videoPath)
		return c.Status(), err
	case "export":
		if _, err := c.Adopt(videoPath); err != nil {
			return c.Status(), err
		}
		if _, err := c.Export(ctx); err != nil {
			return c.Status(), err
		}
		if err := c.Wait(context.Background()); err != nil {
			return c.Status(), err
		}
		st := c.Status()
		if st.State == controller.StateFailed {
			return st, errors.New(st.Error)
		}
		return st, nil
	default:
		return c.Run(ctx, videoPath)
	}
}
