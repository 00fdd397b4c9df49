// Package recognizer defines the speech-recognition capability shared by
// all backends: timed segments, the immutable transcription result, and
// the Recognizer interface the job pipeline depends on. Callers never
// branch on which backend satisfied a request.
package recognizer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// DefaultLanguage is the declared language when a request does not set
// one. The application is purpose-built for Greek recordings.
const DefaultLanguage = "el"

// ErrRecognitionFailed marks an unrecoverable model invocation error
// (corrupt audio reaching the model, device out-of-memory, unsupported
// language). Wrap with %w so errors.Is classification survives context.
var ErrRecognitionFailed = errors.New("recognition failed")

// Device identifies the compute target a model is bound to.
type Device string

const (
	DeviceCPU         Device = "cpu"
	DeviceAccelerator Device = "accelerator"
)

// Segment is a single recognized span of speech.
type Segment struct {
	Start      time.Duration
	End        time.Duration
	Text       string
	Confidence float64 // 0.0–1.0, 0 when the backend reports none
}

// Result is the ordered, normalized output of one transcription.
// Construct via NewResult; immutable afterwards.
type Result struct {
	Segments       []Segment
	Language       string
	SourceName     string
	Model          string
	Backend        string
	Device         Device
	ProcessingTime time.Duration
}

// Options configures a single recognition request.
type Options struct {
	Language       string // "" = DefaultLanguage
	Deterministic  bool   // greedy decode, identical text on identical input
	WordTimestamps bool   // native backend only; fallback stays segment-granular
	Threads        int    // 0 = backend default
}

// ResolvedLanguage returns the declared language, defaulting to Greek.
func (o Options) ResolvedLanguage() string {
	if o.Language == "" {
		return DefaultLanguage
	}
	return o.Language
}

// Recognizer is the capability the pipeline depends on. Implementations
// are not safe for concurrent Recognize calls on the same instance; the
// model handle serializes invocations per device.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, wavPath string, opts Options) (*Result, error)
}

// Normalize enforces the segment invariants: text trimmed and non-empty,
// non-negative times, End >= Start, strictly increasing start order with
// no overlap. Overlapping starts are clamped to the previous segment's
// end; segments left without text are dropped.
func Normalize(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.Start < 0 {
			s.Start = 0
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			out[i].Start = out[i-1].End
			if out[i].End < out[i].Start {
				out[i].End = out[i].Start
			}
		}
	}
	return out
}

// NewResult builds a Result from raw backend output, normalizing the
// segment sequence first. The returned value must not be mutated.
func NewResult(segs []Segment, language, sourceName, model, backend string, device Device, elapsed time.Duration) *Result {
	return &Result{
		Segments:       Normalize(segs),
		Language:       language,
		SourceName:     sourceName,
		Model:          model,
		Backend:        backend,
		Device:         device,
		ProcessingTime: elapsed,
	}
}

// Named returns a copy of r carrying sourceName. The pipeline uses it
// to swap a temp WAV path for the original file name without mutating
// a result other holders may share.
func (r *Result) Named(sourceName string) *Result {
	out := *r
	out.SourceName = sourceName
	return &out
}

// Duration returns the end time of the last segment, or zero for an
// empty result.
func (r *Result) Duration() time.Duration {
	if len(r.Segments) == 0 {
		return 0
	}
	return r.Segments[len(r.Segments)-1].End
}

// Text joins all segment texts with single spaces.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}
