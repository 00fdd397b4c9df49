// Package whispercpp is the full-capability recognition path: an
// in-process whisper.cpp model loaded once and reused for the life of
// the process. Loading is multi-second and allocates the full model
// working set, which is why the lifecycle manager caches the handle.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// Config configures the native whisper.cpp backend.
type Config struct {
	ModelPath string            // path to the ggml .bin weights
	Model     string            // model name for result metadata
	Device    recognizer.Device // resolved compute device
}

// Backend wraps a loaded whisper.cpp model. Not safe for concurrent
// Recognize calls; the underlying ggml state is shared across contexts,
// so the model handle serializes invocations.
type Backend struct {
	cfg   Config
	model whisper.Model
}

// Load reads the model weights into memory. Errors here mean the native
// path is unavailable (missing or corrupt weights, binding failure) and
// the caller should fall back to the CLI path.
func Load(cfg Config) (*Backend, error) {
	if cfg.Device == "" {
		cfg.Device = recognizer.DeviceCPU
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: loading model %q: %w", cfg.ModelPath, err)
	}
	return &Backend{cfg: cfg, model: model}, nil
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "whisper_cpp"
}

// Close releases the model. Called only at process shutdown.
func (b *Backend) Close() error {
	return b.model.Close()
}

// Recognize decodes wavPath into float32 samples and runs a full
// inference pass. The model call itself is not preemptible; ctx is
// checked before processing starts.
func (b *Backend) Recognize(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	samples, err := ReadWAVSamples(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: whispercpp: %v", recognizer.ErrRecognitionFailed, err)
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: whispercpp: creating context: %v", recognizer.ErrRecognitionFailed, err)
	}

	if err := wctx.SetLanguage(opts.ResolvedLanguage()); err != nil {
		return nil, fmt.Errorf("%w: whispercpp: language %q: %v", recognizer.ErrRecognitionFailed, opts.ResolvedLanguage(), err)
	}
	wctx.SetTranslate(false)
	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}
	if opts.Deterministic {
		// Greedy decode: identical input yields identical text.
		wctx.SetTemperature(0)
	}
	wctx.SetTokenTimestamps(opts.WordTimestamps)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: whispercpp: inference: %v", recognizer.ErrRecognitionFailed, err)
	}

	var segs []recognizer.Segment
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			break
		}
		segs = append(segs, recognizer.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: tokenConfidence(seg),
		})
	}

	return recognizer.NewResult(segs, opts.ResolvedLanguage(), wavPath, b.cfg.Model, b.Name(), b.cfg.Device, time.Since(started)), nil
}

// tokenConfidence averages token probabilities for a segment score.
func tokenConfidence(seg whisper.Segment) float64 {
	if len(seg.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, tok := range seg.Tokens {
		sum += float64(tok.P)
	}
	return sum / float64(len(seg.Tokens))
}

var errNotWAV = errors.New("not a 16-bit mono PCM WAV file")

// ReadWAVSamples reads a canonical preprocessed WAV (16-bit PCM, mono)
// and converts it to the float32 samples whisper.cpp expects. The
// preprocessor guarantees this shape; anything else is rejected.
func ReadWAVSamples(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%s: %w", path, errNotWAV)
	}

	var pcm []byte
	var audioFormat, channels, bitsPerSample uint16
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(uint32(data[pos+4]) | uint32(data[pos+5])<<8 | uint32(data[pos+6])<<16 | uint32(data[pos+7])<<24)
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%s: truncated fmt chunk: %w", path, errNotWAV)
			}
			audioFormat = uint16(data[body]) | uint16(data[body+1])<<8
			channels = uint16(data[body+2]) | uint16(data[body+3])<<8
			bitsPerSample = uint16(data[body+14]) | uint16(data[body+15])<<8
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}

	if audioFormat != 1 || channels != 1 || bitsPerSample != 16 {
		return nil, fmt.Errorf("%s: format=%d channels=%d bits=%d: %w", path, audioFormat, channels, bitsPerSample, errNotWAV)
	}
	if pcm == nil {
		return nil, fmt.Errorf("%s: missing data chunk: %w", path, errNotWAV)
	}
	return bytesToFloat32(pcm)
}

// bytesToFloat32 converts little-endian int16 PCM to normalized floats.
func bytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, errors.New("pcm byte length must be even for 16-bit audio")
	}
	floats := make([]float32, len(data)/2)
	for i := range floats {
		sample := int16(data[i*2]) | int16(data[i*2+1])<<8
		floats[i] = float32(sample) / 32768.0
	}
	return floats, nil
}
