// Package whispercli is the reduced-capability recognition path: it
// shells out to a whisper CLI binary and parses its JSON output. It is
// used when the in-process model cannot be initialized. Timing is
// segment-granular only.
package whispercli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// Config configures the whisper CLI backend.
type Config struct {
	BinaryPath     string            // path to the whisper CLI binary
	ModelPath      string            // path to the .bin model file
	Model          string            // model name for result metadata
	Device         recognizer.Device // resolved compute device
	TimeoutSeconds int               // default 300
}

// Backend invokes the whisper CLI subprocess per request. It holds no
// persistent model state; the subprocess loads weights on every call,
// which is why this is the fallback rather than the primary path.
type Backend struct {
	cfg Config
}

// New creates a whisper CLI backend with the given config.
func New(cfg Config) *Backend {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	if cfg.Device == "" {
		cfg.Device = recognizer.DeviceCPU
	}
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "whisper_cli"
}

// Available reports whether the CLI binary and model weights exist and
// the binary is executable. Used at model-acquisition time to decide
// whether this path can serve at all.
func (b *Backend) Available() error {
	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("whispercli: binary not found at %q: %w", b.cfg.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("whispercli: binary at %q is not executable", b.cfg.BinaryPath)
	}
	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			return fmt.Errorf("whispercli: model not found at %q: %w", b.cfg.ModelPath, err)
		}
	}
	return nil
}

// cliSegment is one segment in the CLI JSON output.
type cliSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// cliOutput is the JSON document the CLI emits on stdout.
type cliOutput struct {
	Segments []cliSegment `json:"segments"`
	Language string       `json:"language"`
}

// Recognize runs the CLI on wavPath and converts its output. The
// subprocess runs in its own process group so a timeout kills the whole
// tree. Cancellation is checked before launch only; an in-flight call
// runs to completion or timeout.
func (b *Backend) Recognize(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.Available(); err != nil {
		return nil, fmt.Errorf("%w: %v", recognizer.ErrRecognitionFailed, err)
	}

	started := time.Now()
	cmd := exec.Command(b.cfg.BinaryPath, b.buildArgs(wavPath, opts)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: whispercli: starting subprocess: %v", recognizer.ErrRecognitionFailed, err)
	}

	var mu sync.Mutex
	var killed bool
	timer := time.AfterFunc(time.Duration(b.cfg.TimeoutSeconds)*time.Second, func() {
		mu.Lock()
		killed = true
		mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})

	err := cmd.Wait()
	timer.Stop()

	if err != nil {
		mu.Lock()
		wasKilled := killed
		mu.Unlock()
		if wasKilled {
			return nil, fmt.Errorf("%w: whispercli: timed out after %d seconds", recognizer.ErrRecognitionFailed, b.cfg.TimeoutSeconds)
		}
		return nil, fmt.Errorf("%w: whispercli: subprocess failed: %v", recognizer.ErrRecognitionFailed, err)
	}

	var out cliOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: whispercli: parsing JSON output: %v", recognizer.ErrRecognitionFailed, err)
	}

	segs := make([]recognizer.Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segs = append(segs, recognizer.Segment{
			Start:      floatToDuration(s.Start),
			End:        floatToDuration(s.End),
			Text:       s.Text,
			Confidence: s.Score,
		})
	}

	language := out.Language
	if language == "" {
		language = opts.ResolvedLanguage()
	}

	return recognizer.NewResult(segs, language, wavPath, b.cfg.Model, b.Name(), b.cfg.Device, time.Since(started)), nil
}

// buildArgs constructs the CLI arguments. Half precision is requested
// only on the accelerator; CPU always runs float32.
func (b *Backend) buildArgs(wavPath string, opts recognizer.Options) []string {
	var args []string

	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}

	args = append(args, "--output-json")
	args = append(args, "--language", opts.ResolvedLanguage())

	if opts.Deterministic {
		args = append(args, "--temperature", "0")
	}
	if opts.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(opts.Threads))
	}
	if b.cfg.Device == recognizer.DeviceAccelerator {
		args = append(args, "--compute-type", "float16")
	} else {
		args = append(args, "--compute-type", "float32")
	}

	args = append(args, wavPath)
	return args
}

// floatToDuration converts seconds (float64) to time.Duration.
func floatToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
