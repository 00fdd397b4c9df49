// Package audio validates input recordings and normalizes them into the
// canonical form the recognizer expects: 16 kHz, mono, uncompressed PCM.
// Decoding is delegated to ffmpeg; this package never parses codecs.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInputInvalid marks an unreadable or unsupported source file.
var ErrInputInvalid = errors.New("invalid audio input")

// SupportedExtensions lists the containers accepted as input. Anything
// else is rejected before ffmpeg is ever invoked.
var SupportedExtensions = []string{
	".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac", ".mp4", ".avi", ".mov",
}

// Source identifies one input file. Immutable once constructed.
type Source struct {
	Path     string
	Base     string        // file name without extension
	Ext      string        // lower-case extension including the dot
	Duration time.Duration // probed estimate; 0 when probing failed
}

// NewSource validates path and constructs a Source. The duration probe
// is best-effort display metadata: its failure never fails construction.
func (p *Preprocessor) NewSource(ctx context.Context, path string) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInputInvalid, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInputInvalid, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrInputInvalid, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %q is empty", ErrInputInvalid, path)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if !extSupported(ext) {
		return nil, fmt.Errorf("%w: unsupported format %q (supported: %s)",
			ErrInputInvalid, ext, strings.Join(SupportedExtensions, ", "))
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %q: %v", ErrInputInvalid, path, err)
	}
	f.Close()

	return &Source{
		Path:     abs,
		Base:     strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		Ext:      ext,
		Duration: p.probeDuration(ctx, abs),
	}, nil
}

func extSupported(ext string) bool {
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// probeDuration asks ffprobe for the container duration. Used only for
// progress display, so every failure collapses to zero.
func (p *Preprocessor) probeDuration(ctx context.Context, path string) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.cfg.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
