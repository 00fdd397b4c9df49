// Package model owns the recognition model lifecycle: at most one
// loaded handle per device process-wide, lazily created, single-flight
// on concurrent loads, released only at shutdown.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/greekdrop/greekdrop/internal/recognizer"
	"github.com/greekdrop/greekdrop/internal/recognizer/whispercli"
	"github.com/greekdrop/greekdrop/internal/recognizer/whispercpp"
)

// ErrModelUnavailable marks a recognition capability that cannot be
// initialized on any path for the requested device.
var ErrModelUnavailable = errors.New("model unavailable")

// Device hints accepted by Acquire. Empty means auto-detect.
const (
	HintAuto        = ""
	HintCPU         = "cpu"
	HintAccelerator = "accelerator"
)

// Config configures model loading for both recognition paths.
type Config struct {
	ModelPath      string // ggml weights for the native path
	ModelName      string // e.g. "base", "small"
	CLIBinaryPath  string // whisper CLI binary for the fallback path
	CLIModelPath   string // model weights for the CLI (may equal ModelPath)
	TimeoutSeconds int    // CLI subprocess timeout
	Threads        int
}

// Handle is a loaded recognition capability bound to one device. Shared
// by all jobs; never mutated after load. Recognize serializes callers
// because the underlying model is not safe for concurrent invocation.
type Handle struct {
	LoadTime time.Duration

	dev recognizer.Device
	rec recognizer.Recognizer
	mu  sync.Mutex
}

// Device returns the compute device this handle is bound to.
func (h *Handle) Device() recognizer.Device {
	return h.dev
}

// Backend returns the name of the recognizer serving this handle.
func (h *Handle) Backend() string {
	return h.rec.Name()
}

// Recognize runs one recognition pass, holding the per-device lock for
// the duration of the model call.
func (h *Handle) Recognize(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.Recognize(ctx, wavPath, opts)
}

// Manager is the process-scoped lifecycle manager. The zero value is
// not usable; construct with New.
type Manager struct {
	cfg Config
	log *logrus.Entry

	mu      sync.RWMutex
	handles map[recognizer.Device]*Handle

	group singleflight.Group

	// Overridable in tests.
	probeAccelerator func() bool
	load             func(dev recognizer.Device) (recognizer.Recognizer, error)
}

// New creates a Manager. No model is loaded until Acquire or Preload.
func New(cfg Config, log *logrus.Logger) *Manager {
	m := &Manager{
		cfg:              cfg,
		log:              log.WithField("component", "model-manager"),
		handles:          make(map[recognizer.Device]*Handle),
		probeAccelerator: probeNvidia,
	}
	m.load = m.loadRecognizer
	return m
}

// Acquire returns the handle for the device resolved from hint, loading
// it if needed. Concurrent callers during the loading window share one
// load and receive the same handle. Fails with ErrModelUnavailable when
// neither recognition path can be initialized.
func (m *Manager) Acquire(ctx context.Context, hint string) (*Handle, error) {
	dev, err := m.resolveDevice(hint)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	h, ok := m.handles[dev]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	ch := m.group.DoChan(string(dev), func() (interface{}, error) {
		return m.loadHandle(dev)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		// The load keeps running; a later Acquire picks up the cached
		// handle.
		return nil, ctx.Err()
	}
}

// Preload pays the load cost ahead of any transcription request.
func (m *Manager) Preload(ctx context.Context, hint string) error {
	_, err := m.Acquire(ctx, hint)
	return err
}

// Loaded reports whether the device resolved from hint already has a
// cached handle. Used by the coordinator to skip the loading stage.
func (m *Manager) Loaded(hint string) bool {
	dev, err := m.resolveDevice(hint)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[dev]
	return ok
}

// Close releases every loaded handle. Only called at process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for dev, h := range m.handles {
		if c, ok := h.rec.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(m.handles, dev)
	}
	return firstErr
}

// resolveDevice maps a hint to a device. Accelerator availability is
// re-probed on every call rather than trusting a stale flag, since
// driver state can change between process start and first use.
func (m *Manager) resolveDevice(hint string) (recognizer.Device, error) {
	switch hint {
	case HintCPU:
		return recognizer.DeviceCPU, nil
	case HintAccelerator:
		return recognizer.DeviceAccelerator, nil
	case HintAuto:
		if m.probeAccelerator() {
			return recognizer.DeviceAccelerator, nil
		}
		return recognizer.DeviceCPU, nil
	default:
		return "", fmt.Errorf("%w: unknown device hint %q", ErrModelUnavailable, hint)
	}
}

// loadHandle performs the actual load and caches the result. Runs under
// the single-flight group, so at most once per device at a time.
func (m *Manager) loadHandle(dev recognizer.Device) (*Handle, error) {
	started := time.Now()
	rec, err := m.load(dev)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		LoadTime: time.Since(started),
		dev:      dev,
		rec:      rec,
	}

	m.mu.Lock()
	m.handles[dev] = h
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"device":  dev,
		"backend": rec.Name(),
		"elapsed": h.LoadTime,
	}).Info("model loaded")
	return h, nil
}

// loadRecognizer tries the native in-process path first and falls back
// to the CLI path when it cannot be initialized. Callers depend only on
// receiving a working Recognizer, not on which variant they hold.
func (m *Manager) loadRecognizer(dev recognizer.Device) (recognizer.Recognizer, error) {
	native, nativeErr := whispercpp.Load(whispercpp.Config{
		ModelPath: m.cfg.ModelPath,
		Model:     m.cfg.ModelName,
		Device:    dev,
	})
	if nativeErr == nil {
		return native, nil
	}
	m.log.WithField("device", dev).WithError(nativeErr).Warn("native model unavailable, trying CLI fallback")

	cli := whispercli.New(whispercli.Config{
		BinaryPath:     m.cfg.CLIBinaryPath,
		ModelPath:      m.cfg.CLIModelPath,
		Model:          m.cfg.ModelName,
		Device:         dev,
		TimeoutSeconds: m.cfg.TimeoutSeconds,
	})
	if err := cli.Available(); err != nil {
		return nil, fmt.Errorf("%w on %s: native: %v; cli: %v", ErrModelUnavailable, dev, nativeErr, err)
	}
	return cli, nil
}

// probeNvidia reports whether an NVIDIA accelerator is present and the
// driver answers.
func probeNvidia() bool {
	return exec.Command("nvidia-smi", "-L").Run() == nil
}
