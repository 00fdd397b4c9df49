package job

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/greekdrop/greekdrop/internal/audio"
	"github.com/greekdrop/greekdrop/internal/errlog"
	"github.com/greekdrop/greekdrop/internal/export"
	"github.com/greekdrop/greekdrop/internal/fileutil"
	"github.com/greekdrop/greekdrop/internal/model"
	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// Transcriber is the slice of the model handle the coordinator needs.
// *model.Handle implements it; tests substitute stubs.
type Transcriber interface {
	Backend() string
	Device() recognizer.Device
	Recognize(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error)
}

// ModelSource serves model handles to jobs.
type ModelSource interface {
	Loaded(hint string) bool
	Acquire(ctx context.Context, hint string) (Transcriber, error)
}

// managerSource adapts the concrete lifecycle manager to ModelSource.
type managerSource struct {
	m *model.Manager
}

func (s managerSource) Loaded(hint string) bool {
	return s.m.Loaded(hint)
}

func (s managerSource) Acquire(ctx context.Context, hint string) (Transcriber, error) {
	h, err := s.m.Acquire(ctx, hint)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Config tunes the coordinator.
type Config struct {
	OutputDir      string
	DefaultFormats []export.Kind // used when a request names none
	DefaultHint    string        // device hint when a request names none
	Language       string        // declared language default
	Threads        int
	EventBuffer    int // default 64
}

// Coordinator owns job execution. One coordinator serves the whole
// process; submit as many jobs as you like.
type Coordinator struct {
	cfg    Config
	pre    *audio.Preprocessor
	models ModelSource
	errs   *errlog.Logger
	log    *logrus.Entry

	events chan Event
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// New creates a Coordinator backed by the concrete model manager.
func New(cfg Config, pre *audio.Preprocessor, models *model.Manager, errs *errlog.Logger, log *logrus.Logger) *Coordinator {
	return newWithSource(cfg, pre, managerSource{m: models}, errs, log)
}

func newWithSource(cfg Config, pre *audio.Preprocessor, models ModelSource, errs *errlog.Logger, log *logrus.Logger) *Coordinator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if len(cfg.DefaultFormats) == 0 {
		cfg.DefaultFormats = export.AllKinds()
	}
	return &Coordinator{
		cfg:    cfg,
		pre:    pre,
		models: models,
		errs:   errs,
		log:    log.WithField("component", "coordinator"),
		events: make(chan Event, cfg.EventBuffer),
		now:    time.Now,
	}
}

// Events returns the channel progress and results are delivered on.
// The interactive surface only ever reads from this channel.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Submit starts a job for req on a dedicated goroutine and returns its
// ID immediately. Preprocessing of different jobs proceeds in parallel;
// recognition serializes per device inside the model handle. Once Wait
// has begun, Submit refuses the request and returns an empty ID.
func (c *Coordinator) Submit(ctx context.Context, req Request) string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ""
	}
	c.wg.Add(1)
	c.mu.Unlock()

	id := uuid.NewString()
	go func() {
		defer c.wg.Done()
		c.run(ctx, id, req)
	}()
	return id
}

// Wait stops accepting new jobs, blocks until every submitted job has
// finished, then closes the event channel. Call once, at shutdown.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	close(c.events)
}

// run drives one job through the pipeline. The preprocessed temp file
// is removed on every exit path, including Failed.
func (c *Coordinator) run(ctx context.Context, id string, req Request) {
	log := c.log.WithFields(logrus.Fields{"job_id": id, "source": req.Path})
	started := c.now()

	formats := req.Formats
	if len(formats) == 0 {
		formats = c.cfg.DefaultFormats
	}
	hint := req.DeviceHint
	if hint == "" {
		hint = c.cfg.DefaultHint
	}
	opts := req.Options
	if opts.Language == "" {
		opts.Language = c.cfg.Language
	}
	if opts.Threads == 0 {
		opts.Threads = c.cfg.Threads
	}

	// Preprocessing.
	c.emit(Event{JobID: id, Source: req.Path, State: StatePreprocessing, Message: "Preparing audio..."})
	src, err := c.pre.NewSource(ctx, req.Path)
	if err != nil {
		c.fail(log, id, req.Path, StatePreprocessing, err)
		return
	}

	prepared, err := c.pre.Prepare(ctx, src)
	if err != nil {
		c.fail(log, id, req.Path, StatePreprocessing, err)
		return
	}
	defer func() {
		if err := prepared.Remove(); err != nil {
			log.WithError(err).Warn("failed to remove preprocessed audio")
		}
	}()

	if err := ctx.Err(); err != nil {
		c.fail(log, id, req.Path, StatePreprocessing, err)
		return
	}

	// Loading the model, skipped when the handle is already cached.
	if !c.models.Loaded(hint) {
		c.emit(Event{JobID: id, Source: req.Path, State: StateLoadingModel, Message: "Loading recognition model..."})
	}
	handle, err := c.models.Acquire(ctx, hint)
	if err != nil {
		c.fail(log, id, req.Path, StateLoadingModel, err)
		return
	}

	if err := ctx.Err(); err != nil {
		c.fail(log, id, req.Path, StateLoadingModel, err)
		return
	}

	// Recognizing. The handle serializes concurrent jobs per device.
	c.emit(Event{JobID: id, Source: req.Path, State: StateRecognizing, Message: "Transcribing audio..."})
	result, err := handle.Recognize(ctx, prepared.Path, opts)
	if err != nil {
		c.fail(log, id, req.Path, StateRecognizing, err)
		return
	}
	// The backend only knows the temp WAV; carry the real source name
	// on a copy so the backend's result stays untouched.
	result = result.Named(filepath.Base(src.Path))

	if err := ctx.Err(); err != nil {
		c.fail(log, id, req.Path, StateRecognizing, err)
		return
	}

	// Exporting.
	c.emit(Event{JobID: id, Source: req.Path, State: StateExporting, Message: "Writing artifacts..."})
	stem := export.Stem(src.Base, c.now())
	artifacts := export.RenderAll(result, formats, c.cfg.OutputDir, stem)
	if err := export.WriteAll(artifacts); err != nil {
		c.fail(log, id, req.Path, StateExporting, err)
		return
	}
	c.writeSidecar(log, id, stem, result, formats, started)

	log.WithFields(logrus.Fields{
		"segments":  len(result.Segments),
		"backend":   result.Backend,
		"device":    result.Device,
		"artifacts": len(artifacts),
		"elapsed":   c.now().Sub(started),
	}).Info("job completed")

	c.emit(Event{
		JobID:     id,
		Source:    req.Path,
		State:     StateCompleted,
		Message:   "Transcription complete",
		Result:    result,
		Artifacts: artifacts,
	})
}

// fail transitions the job to Failed: one persisted error record, one
// event. The job's error is terminal but the coordinator keeps
// accepting further jobs.
func (c *Coordinator) fail(log *logrus.Entry, id, source string, stage State, err error) {
	kind := ErrKind(err)
	log.WithFields(logrus.Fields{"stage": stage.String(), "kind": kind}).WithError(err).Error("job failed")

	c.errs.Append(errlog.Record{
		JobID:  id,
		Source: source,
		Stage:  stage.String(),
		Kind:   kind,
		Detail: err.Error(),
	})

	c.emit(Event{
		JobID:   id,
		Source:  source,
		State:   StateFailed,
		Message: fmt.Sprintf("failed while %s", stage),
		Err:     err,
	})
}

// writeSidecar records job metadata next to the artifacts. Sidecar
// failure is logged but never fails a job that already exported.
func (c *Coordinator) writeSidecar(log *logrus.Entry, id, stem string, result *recognizer.Result, formats []export.Kind, started time.Time) {
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, string(f))
	}
	meta := &fileutil.JobMetadata{
		Version:      "1",
		JobID:        id,
		SourceFile:   result.SourceName,
		Language:     result.Language,
		Model:        result.Model,
		Backend:      result.Backend,
		Device:       string(result.Device),
		Duration:     fmt.Sprintf("%.3fs", result.Duration().Seconds()),
		DurationMs:   result.Duration().Milliseconds(),
		ProcessingMs: result.ProcessingTime.Milliseconds(),
		SegmentCount: len(result.Segments),
		Formats:      names,
		CompletedAt:  c.now().UTC(),
	}
	if err := fileutil.WriteMetadata(c.cfg.OutputDir, stem, meta); err != nil {
		log.WithError(err).Warn("failed to write metadata sidecar")
	}
}

func (c *Coordinator) emit(ev Event) {
	c.events <- ev
}
