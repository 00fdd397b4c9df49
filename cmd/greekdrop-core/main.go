package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/greekdrop/greekdrop/internal/audio"
	"github.com/greekdrop/greekdrop/internal/config"
	"github.com/greekdrop/greekdrop/internal/errlog"
	"github.com/greekdrop/greekdrop/internal/export"
	"github.com/greekdrop/greekdrop/internal/job"
	"github.com/greekdrop/greekdrop/internal/model"
	"github.com/greekdrop/greekdrop/internal/pidfile"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		formatFlag  = flag.String("format", "", "export format: txt, srt, vtt or all (default: last used)")
		deviceFlag  = flag.String("device", "", "force compute device: cpu or accelerator (default: auto)")
		outFlag     = flag.String("out", "", "artifact output directory (default: from config)")
		langFlag    = flag.String("lang", "", "declared language code (default: from config)")
		watchFlag   = flag.String("watch", "", "watch a directory and transcribe every new audio file")
		preloadFlag = flag.Bool("preload", false, "load the model before accepting work")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("greekdrop-core " + Version)
		return
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	applyFlags(cfg, *formatFlag, *deviceFlag, *outFlag, *langFlag, *watchFlag)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	log.WithFields(logrus.Fields{
		"version": Version,
		"pid":     os.Getpid(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"cpus":    runtime.NumCPU(),
	}).Info("starting greekdrop-core")

	files := flag.Args()
	if len(files) == 0 && cfg.WatchDir == "" {
		fmt.Fprintln(os.Stderr, "usage: greekdrop-core [flags] <audio file>...")
		fmt.Fprintln(os.Stderr, "       greekdrop-core -watch <dir>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	errs, err := errlog.New(cfg.ErrorLogPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.ErrorLogPath).
			Warn("error log unavailable, failures will not be persisted")
		errs = errlog.NewNoOp()
	}
	defer errs.Close()

	pre := audio.New(audio.Config{
		FFmpegBin:   cfg.FFmpegBin,
		FFprobeBin:  cfg.FFprobeBin,
		TrimSilence: cfg.TrimSilence,
	}, log)

	models := model.New(model.Config{
		ModelPath:      cfg.ModelPath,
		ModelName:      cfg.ModelName,
		CLIBinaryPath:  cfg.WhisperCLIPath,
		CLIModelPath:   cfg.ModelPath,
		TimeoutSeconds: cfg.TimeoutSeconds,
		Threads:        cfg.Threads,
	}, log)
	defer func() {
		if err := models.Close(); err != nil {
			log.WithError(err).Warn("model release failed")
		}
	}()

	formats, err := export.ParseKinds(cfg.LastFormat)
	if err != nil {
		log.WithError(err).Fatal("invalid export format")
	}

	coord := job.New(job.Config{
		OutputDir:      cfg.OutputDir,
		DefaultFormats: formats,
		DefaultHint:    cfg.DeviceOverride,
		Language:       cfg.Language,
		Threads:        cfg.Threads,
	}, pre, models, errs, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *preloadFlag {
		log.Info("preloading recognition model")
		if err := models.Preload(ctx, cfg.DeviceOverride); err != nil {
			log.WithError(err).Fatal("model preload failed")
		}
	}

	// Drain results on a side goroutine so submission never blocks.
	failures := make(chan int, 1)
	go func() {
		failed := 0
		for ev := range coord.Events() {
			reportEvent(log, ev)
			if ev.State == job.StateFailed {
				failed++
			}
		}
		failures <- failed
	}()

	if cfg.WatchDir != "" {
		runWatch(ctx, log, coord, cfg.WatchDir)
	} else {
		for _, path := range files {
			coord.Submit(ctx, job.Request{Path: path})
		}
	}

	coord.Wait()
	failed := <-failures

	// Remember the format for the next invocation.
	if err := config.Save(cfg); err != nil {
		log.WithError(err).Warn("failed to persist configuration")
	}

	if failed > 0 {
		log.WithField("failed", failed).Error("some jobs did not complete")
		os.Exit(1)
	}
}

// applyFlags folds command line overrides into the loaded configuration.
func applyFlags(cfg *config.Config, format, device, out, lang, watch string) {
	if format != "" {
		cfg.LastFormat = strings.ToLower(format)
	}
	if device != "" {
		cfg.DeviceOverride = device
	}
	if out != "" {
		cfg.OutputDir = out
	}
	if lang != "" {
		cfg.Language = lang
	}
	if watch != "" {
		cfg.WatchDir = watch
	}
}

// reportEvent prints one pipeline event for the operator.
func reportEvent(log *logrus.Logger, ev job.Event) {
	entry := log.WithFields(logrus.Fields{"job_id": ev.JobID, "source": filepath.Base(ev.Source)})
	switch ev.State {
	case job.StateCompleted:
		for _, a := range ev.Artifacts {
			entry.WithField("artifact", a.Path).Info("wrote artifact")
		}
		entry.WithFields(logrus.Fields{
			"segments": len(ev.Result.Segments),
			"backend":  ev.Result.Backend,
			"device":   ev.Result.Device,
		}).Info(ev.Message)
	case job.StateFailed:
		entry.WithError(ev.Err).Error(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}

// runWatch drains an intake directory: every supported audio file that
// appears is submitted once it has stopped growing. A PID file prevents
// two watchers from racing over the same directory.
func runWatch(ctx context.Context, log *logrus.Logger, coord *job.Coordinator, dir string) {
	pf, err := pidfile.Acquire(pidfile.DefaultPath("watch"))
	if err != nil {
		log.WithError(err).Fatal("cannot start watcher")
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			log.WithError(err).Warn("failed to remove pid file")
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Fatal("cannot create directory watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Fatal("cannot watch intake directory")
	}
	log.WithField("dir", dir).Info("watching for new audio files")

	// Every intake goroutine is joined before returning, so no Submit
	// can race the coordinator shutdown in main.
	var intake sync.WaitGroup
	defer intake.Wait()

	seen := make(map[string]bool)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := event.Name
			if seen[path] || !supportedExt(path) {
				continue
			}
			seen[path] = true
			intake.Add(1)
			go func(path string) {
				defer intake.Done()
				if !waitStable(ctx, path) {
					return
				}
				log.WithField("source", filepath.Base(path)).Info("intake file ready")
				coord.Submit(ctx, job.Request{Path: path})
			}(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher error")

		case <-ctx.Done():
			log.Info("shutting down watcher")
			return
		}
	}
}

func supportedExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range audio.SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// waitStable blocks until the file size stops changing, so a file still
// being copied into the intake directory is not transcribed half-way.
func waitStable(ctx context.Context, path string) bool {
	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return true
		}
		lastSize = info.Size()
	}
}
