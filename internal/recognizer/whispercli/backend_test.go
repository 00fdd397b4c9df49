package whispercli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// writeFakeCLI creates a shell script in dir that prints script's body
// to stdout, standing in for the whisper binary.
func writeFakeCLI(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}
	return path
}

func TestName(t *testing.T) {
	b := New(Config{})
	if b.Name() != "whisper_cli" {
		t.Errorf("expected name %q, got %q", "whisper_cli", b.Name())
	}
}

func TestRecognizeSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}

	dir := t.TempDir()
	jsonOutput := `{"segments": [{"start": 0.5, "end": 2.0, "text": " α ", "score": 0.9}, {"start": 3.0, "end": 5.0, "text": "β", "score": 0.8}], "language": "el"}`
	binPath := writeFakeCLI(t, dir, "whisper", "#!/bin/sh\necho '"+jsonOutput+"'\n")

	wav := filepath.Join(dir, "rec.wav")
	if err := os.WriteFile(wav, []byte("fake audio"), 0644); err != nil {
		t.Fatal(err)
	}

	b := New(Config{
		BinaryPath:     binPath,
		Model:          "base",
		Device:         recognizer.DeviceCPU,
		TimeoutSeconds: 10,
	})

	res, err := b.Recognize(context.Background(), wav, recognizer.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Backend != "whisper_cli" {
		t.Errorf("expected backend whisper_cli, got %q", res.Backend)
	}
	if res.Language != "el" {
		t.Errorf("expected language el, got %q", res.Language)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if res.Segments[0].Text != "α" {
		t.Errorf("expected trimmed text %q, got %q", "α", res.Segments[0].Text)
	}
	if res.Segments[0].Start != 500*time.Millisecond {
		t.Errorf("expected start 500ms, got %v", res.Segments[0].Start)
	}
	if res.Duration() != 5*time.Second {
		t.Errorf("expected duration 5s, got %v", res.Duration())
	}
}

func TestRecognizeBinaryMissing(t *testing.T) {
	b := New(Config{BinaryPath: "/nonexistent/whisper", TimeoutSeconds: 5})

	_, err := b.Recognize(context.Background(), "/some/file.wav", recognizer.Options{})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !errors.Is(err, recognizer.ErrRecognitionFailed) {
		t.Errorf("expected ErrRecognitionFailed, got: %v", err)
	}
}

func TestRecognizeBadJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}

	dir := t.TempDir()
	binPath := writeFakeCLI(t, dir, "whisper", "#!/bin/sh\necho 'not json'\n")

	b := New(Config{BinaryPath: binPath, TimeoutSeconds: 5})
	_, err := b.Recognize(context.Background(), "/some/file.wav", recognizer.Options{})
	if err == nil {
		t.Fatal("expected error for malformed output")
	}
	if !errors.Is(err, recognizer.ErrRecognitionFailed) {
		t.Errorf("expected ErrRecognitionFailed, got: %v", err)
	}
}

func TestRecognizeCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := New(Config{BinaryPath: "/nonexistent/whisper"})
	_, err := b.Recognize(ctx, "/some/file.wav", recognizer.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestRecognizeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}

	dir := t.TempDir()
	binPath := writeFakeCLI(t, dir, "whisper", "#!/bin/sh\nsleep 30\n")

	b := New(Config{BinaryPath: binPath, TimeoutSeconds: 1})
	start := time.Now()
	_, err := b.Recognize(context.Background(), "/some/file.wav", recognizer.Options{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout in error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout kill took too long: %v", elapsed)
	}
}

func TestBuildArgsPrecisionFollowsDevice(t *testing.T) {
	cpu := New(Config{ModelPath: "/m.bin", Device: recognizer.DeviceCPU})
	args := strings.Join(cpu.buildArgs("a.wav", recognizer.Options{}), " ")
	if !strings.Contains(args, "--compute-type float32") {
		t.Errorf("expected float32 on cpu, got args: %s", args)
	}

	acc := New(Config{ModelPath: "/m.bin", Device: recognizer.DeviceAccelerator})
	args = strings.Join(acc.buildArgs("a.wav", recognizer.Options{}), " ")
	if !strings.Contains(args, "--compute-type float16") {
		t.Errorf("expected float16 on accelerator, got args: %s", args)
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	b := New(Config{})
	args := strings.Join(b.buildArgs("a.wav", recognizer.Options{Deterministic: true}), " ")
	if !strings.Contains(args, "--temperature 0") {
		t.Errorf("expected temperature 0 for deterministic decode, got: %s", args)
	}
	if !strings.Contains(args, "--language el") {
		t.Errorf("expected default language el, got: %s", args)
	}
}
