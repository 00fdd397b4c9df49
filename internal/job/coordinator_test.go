package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/greekdrop/greekdrop/internal/audio"
	"github.com/greekdrop/greekdrop/internal/errlog"
	"github.com/greekdrop/greekdrop/internal/export"
	"github.com/greekdrop/greekdrop/internal/model"
	"github.com/greekdrop/greekdrop/internal/recognizer"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// fakeTranscriber satisfies Transcriber with canned segments or a
// canned error. recognize, if set, overrides the canned behaviour.
type fakeTranscriber struct {
	segments  []recognizer.Segment
	err       error
	recognize func(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error)

	calls    int32
	lastOpts recognizer.Options
}

func (f *fakeTranscriber) Backend() string           { return "fake" }
func (f *fakeTranscriber) Device() recognizer.Device { return recognizer.DeviceCPU }
func (f *fakeTranscriber) Recognize(ctx context.Context, wavPath string, opts recognizer.Options) (*recognizer.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastOpts = opts
	if f.recognize != nil {
		return f.recognize(ctx, wavPath, opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	return recognizer.NewResult(f.segments, opts.ResolvedLanguage(), wavPath, "base", "fake", recognizer.DeviceCPU, 12*time.Millisecond), nil
}

// fakeSource satisfies ModelSource around a single fakeTranscriber.
type fakeSource struct {
	t      *fakeTranscriber
	loaded bool
	err    error

	acquire func(ctx context.Context) (Transcriber, error)
}

func (s *fakeSource) Loaded(hint string) bool { return s.loaded }
func (s *fakeSource) Acquire(ctx context.Context, hint string) (Transcriber, error) {
	if s.acquire != nil {
		return s.acquire(ctx)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.t, nil
}

// fakeFFmpeg writes a marker to its last argument (the output path).
const fakeFFmpeg = "#!/bin/sh\nfor a in \"$@\"; do out=\"$a\"; done\necho converted > \"$out\"\n"

type fixture struct {
	coord   *Coordinator
	tmpDir  string // preprocessor scratch dir, must be empty after jobs end
	outDir  string
	input   string
	backend *fakeTranscriber
}

func newFixture(t *testing.T, src *fakeSource, errs *errlog.Logger) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}

	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	out := filepath.Join(dir, "out")
	for _, d := range []string{tmp, out} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	ffmpeg := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(ffmpeg, []byte(fakeFFmpeg), 0755); err != nil {
		t.Fatal(err)
	}
	ffprobe := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(ffprobe, []byte("#!/bin/sh\necho 5.0\n"), 0755); err != nil {
		t.Fatal(err)
	}

	input := filepath.Join(dir, "interview.mp3")
	if err := os.WriteFile(input, []byte("fake audio bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	pre := audio.New(audio.Config{FFmpegBin: ffmpeg, FFprobeBin: ffprobe, TempDir: tmp}, quietLogger())
	if errs == nil {
		errs = errlog.NewNoOp()
	}
	coord := newWithSource(Config{OutputDir: out, Language: "el"}, pre, src, errs, quietLogger())

	return &fixture{coord: coord, tmpDir: tmp, outDir: out, input: input, backend: src.t}
}

// collect drains events for one job until it reaches a terminal state.
func collect(t *testing.T, c *Coordinator, id string) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.JobID != id {
				continue
			}
			events = append(events, ev)
			if ev.State.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state; saw %d events", id, len(events))
		}
	}
}

func states(events []Event) []State {
	out := make([]State, len(events))
	for i, ev := range events {
		out[i] = ev.State
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var twoSegments = []recognizer.Segment{
	{Start: 500 * time.Millisecond, End: 2 * time.Second, Text: "α"},
	{Start: 3 * time.Second, End: 5 * time.Second, Text: "β"},
}

func TestSubmitHappyPath(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{segments: twoSegments}}
	fx := newFixture(t, src, nil)

	id := fx.coord.Submit(context.Background(), Request{Path: fx.input})
	events := collect(t, fx.coord, id)
	fx.coord.Wait()

	want := []State{StatePreprocessing, StateLoadingModel, StateRecognizing, StateExporting, StateCompleted}
	if !equalStates(states(events), want) {
		t.Fatalf("unexpected state sequence: %v", states(events))
	}

	final := events[len(events)-1]
	if final.Result == nil {
		t.Fatal("completed event carries no result")
	}
	if final.Result.SourceName != "interview.mp3" {
		t.Errorf("expected result named after the input, got %q", final.Result.SourceName)
	}
	if len(final.Artifacts) != 3 {
		t.Fatalf("expected all three artifacts, got %d", len(final.Artifacts))
	}

	for _, a := range final.Artifacts {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			t.Fatalf("artifact %s unreadable: %v", a.Path, err)
		}
		if len(data) == 0 {
			t.Errorf("artifact %s is empty", a.Path)
		}
		if a.Kind == export.KindText && !strings.Contains(string(data), "[00:00:00] α") {
			t.Errorf("text artifact missing first segment line:\n%s", data)
		}
		if a.Kind == export.KindSRT && !strings.Contains(string(data), "00:00:00,500 --> 00:00:02,000") {
			t.Errorf("srt artifact missing first cue:\n%s", data)
		}
	}

	// One sidecar next to the three artifacts.
	matches, err := filepath.Glob(filepath.Join(fx.outDir, "*.meta.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one metadata sidecar, found %d", len(matches))
	}
	var meta struct {
		JobID        string   `json:"job_id"`
		SegmentCount int      `json:"segment_count"`
		Formats      []string `json:"formats"`
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("sidecar is not valid JSON: %v", err)
	}
	if meta.JobID != id || meta.SegmentCount != 2 || len(meta.Formats) != 3 {
		t.Errorf("sidecar mismatch: %+v", meta)
	}

	assertTempEmpty(t, fx.tmpDir)

	if fx.backend.lastOpts.Language != "el" {
		t.Errorf("expected default language el to reach the backend, got %q", fx.backend.lastOpts.Language)
	}
}

func TestSubmitSkipsLoadingWhenCached(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{segments: twoSegments}, loaded: true}
	fx := newFixture(t, src, nil)

	id := fx.coord.Submit(context.Background(), Request{Path: fx.input})
	events := collect(t, fx.coord, id)
	fx.coord.Wait()

	for _, ev := range events {
		if ev.State == StateLoadingModel {
			t.Fatal("expected loading stage to be skipped for a cached model")
		}
	}
}

func TestSubmitRecognitionFailure(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{
		err: fmt.Errorf("%w: decoder exploded", recognizer.ErrRecognitionFailed),
	}}

	logPath := filepath.Join(t.TempDir(), "errors.ndjson")
	errs, err := errlog.New(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer errs.Close()

	fx := newFixture(t, src, errs)

	id := fx.coord.Submit(context.Background(), Request{Path: fx.input})
	events := collect(t, fx.coord, id)
	fx.coord.Wait()

	final := events[len(events)-1]
	if final.State != StateFailed {
		t.Fatalf("expected Failed, got %s", final.State)
	}
	if !errors.Is(final.Err, recognizer.ErrRecognitionFailed) {
		t.Errorf("expected recognition error on the event, got: %v", final.Err)
	}

	// Exactly one persisted record, attributed to the failing stage.
	if err := errs.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one error record, got %d", len(lines))
	}
	var rec errlog.Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec.JobID != id {
		t.Errorf("record job id %q, want %q", rec.JobID, id)
	}
	if rec.Stage != "Recognizing" {
		t.Errorf("record stage %q, want Recognizing", rec.Stage)
	}
	if rec.Kind != "recognition_failed" {
		t.Errorf("record kind %q, want recognition_failed", rec.Kind)
	}

	// The preprocessed temp file must not survive a failed job.
	assertTempEmpty(t, fx.tmpDir)

	entries, err := os.ReadDir(fx.outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed job must write no artifacts, found %d files", len(entries))
	}
}

func TestSubmitInvalidInput(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{segments: twoSegments}}
	fx := newFixture(t, src, nil)

	id := fx.coord.Submit(context.Background(), Request{Path: filepath.Join(t.TempDir(), "missing.wav")})
	events := collect(t, fx.coord, id)
	fx.coord.Wait()

	final := events[len(events)-1]
	if final.State != StateFailed {
		t.Fatalf("expected Failed, got %s", final.State)
	}
	if !errors.Is(final.Err, audio.ErrInputInvalid) {
		t.Errorf("expected ErrInputInvalid, got: %v", final.Err)
	}
	if n := atomic.LoadInt32(&fx.backend.calls); n != 0 {
		t.Errorf("recognition must not run for invalid input, got %d calls", n)
	}
}

func TestSubmitCancelledWhileLoading(t *testing.T) {
	loading := make(chan struct{})
	src := &fakeSource{
		t: &fakeTranscriber{segments: twoSegments},
		acquire: func(ctx context.Context) (Transcriber, error) {
			close(loading)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fx := newFixture(t, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	id := fx.coord.Submit(ctx, Request{Path: fx.input})

	<-loading
	cancel()

	events := collect(t, fx.coord, id)
	fx.coord.Wait()

	final := events[len(events)-1]
	if final.State != StateFailed {
		t.Fatalf("expected Failed after cancellation, got %s", final.State)
	}
	if !errors.Is(final.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", final.Err)
	}
	if ErrKind(final.Err) != "cancelled" {
		t.Errorf("expected cancelled kind, got %q", ErrKind(final.Err))
	}

	assertTempEmpty(t, fx.tmpDir)
}

func TestSubmitAfterWaitIsRefused(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{segments: twoSegments}}
	fx := newFixture(t, src, nil)
	fx.coord.Wait()

	// A straggling submission after shutdown must be refused, not
	// allowed to run and send on the closed event channel.
	id := fx.coord.Submit(context.Background(), Request{Path: fx.input})
	if id != "" {
		t.Errorf("expected empty job ID after Wait, got %q", id)
	}
	if n := atomic.LoadInt32(&fx.backend.calls); n != 0 {
		t.Errorf("no job may run after Wait, got %d recognitions", n)
	}
}

func TestWaitClosesEvents(t *testing.T) {
	src := &fakeSource{t: &fakeTranscriber{segments: twoSegments}}
	fx := newFixture(t, src, nil)

	id := fx.coord.Submit(context.Background(), Request{Path: fx.input})
	collect(t, fx.coord, id)
	fx.coord.Wait()

	if _, open := <-fx.coord.Events(); open {
		t.Error("expected event channel to be closed after Wait")
	}
}

func TestErrKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.Canceled, "cancelled"},
		{context.DeadlineExceeded, "cancelled"},
		{fmt.Errorf("wrap: %w", audio.ErrInputInvalid), "input_invalid"},
		{fmt.Errorf("wrap: %w", audio.ErrPreprocessingFailed), "preprocessing_failed"},
		{fmt.Errorf("wrap: %w", model.ErrModelUnavailable), "model_unavailable"},
		{fmt.Errorf("wrap: %w", recognizer.ErrRecognitionFailed), "recognition_failed"},
		{fmt.Errorf("wrap: %w", export.ErrExportFailed), "export_failed"},
		{errors.New("surprise"), "internal"},
	}
	for _, tc := range cases {
		if got := ErrKind(tc.err); got != tc.want {
			t.Errorf("ErrKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestStateStrings(t *testing.T) {
	if StateCompleted.String() != "Completed" || !StateCompleted.Terminal() {
		t.Error("Completed must be a terminal state named Completed")
	}
	if StateFailed.String() != "Failed" || !StateFailed.Terminal() {
		t.Error("Failed must be a terminal state named Failed")
	}
	if StateRecognizing.Terminal() {
		t.Error("Recognizing is not terminal")
	}
}

func assertTempEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty preprocessor temp dir, found %d files", len(entries))
	}
}
