package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPreprocessingFailed marks a missing or failing conversion utility.
var ErrPreprocessingFailed = errors.New("preprocessing failed")

// SampleRate is the sample rate the recognition model expects.
const SampleRate = 16000

// minTrimmedDuration guards the silence trim: a trimmed file shorter
// than this (or under 2% of the untrimmed length) is discarded and the
// untrimmed resample used instead. Trimming is an accuracy
// optimization, never allowed to remove all audio.
const minTrimmedDuration = 200 * time.Millisecond

// silenceFilter trims leading silence below -50 dB.
const silenceFilter = "silenceremove=1:0:-50dB"

// Config configures the preprocessor. Zero-value bin paths default to
// the names resolved via PATH.
type Config struct {
	FFmpegBin   string
	FFprobeBin  string
	TempDir     string // "" = os.TempDir()
	TrimSilence bool
}

// Preprocessor converts arbitrary supported inputs into canonical WAV.
type Preprocessor struct {
	cfg Config
	log *logrus.Entry
}

// New creates a Preprocessor.
func New(cfg Config, log *logrus.Logger) *Preprocessor {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Preprocessor{cfg: cfg, log: log.WithField("component", "preprocessor")}
}

// Preprocessed is the temporary canonical artifact for one job. Its
// lifetime is bounded by the owning job; Remove is safe to call more
// than once.
type Preprocessed struct {
	Path string
}

// Remove deletes the temporary file.
func (p *Preprocessed) Remove() error {
	if p == nil || p.Path == "" {
		return nil
	}
	err := os.Remove(p.Path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	p.Path = ""
	return err
}

// Prepare resamples src to 16 kHz mono PCM WAV, optionally trimming
// leading silence. On any failure no temporary file is left behind.
func (p *Preprocessor) Prepare(ctx context.Context, src *Source) (*Preprocessed, error) {
	if _, err := exec.LookPath(p.cfg.FFmpegBin); err != nil {
		return nil, fmt.Errorf("%w: conversion utility not found: %v", ErrPreprocessingFailed, err)
	}

	resampled, err := p.tempWAV()
	if err != nil {
		return nil, err
	}
	if err := p.runFFmpeg(ctx, src.Path, resampled, nil); err != nil {
		_ = os.Remove(resampled)
		return nil, err
	}

	if !p.cfg.TrimSilence {
		return &Preprocessed{Path: resampled}, nil
	}

	trimmed, err := p.tempWAV()
	if err != nil {
		_ = os.Remove(resampled)
		return nil, err
	}
	if err := p.runFFmpeg(ctx, resampled, trimmed, []string{"-af", silenceFilter}); err != nil {
		// Trim failure is non-fatal; keep the untrimmed resample.
		p.log.WithError(err).Warn("silence trim failed, using untrimmed audio")
		_ = os.Remove(trimmed)
		return &Preprocessed{Path: resampled}, nil
	}

	full := p.probeDuration(ctx, resampled)
	cut := p.probeDuration(ctx, trimmed)
	if cut < minTrimmedDuration || (full > 0 && cut < full/50) {
		p.log.WithFields(logrus.Fields{"full": full, "trimmed": cut}).
			Warn("silence trim removed nearly all audio, using untrimmed")
		_ = os.Remove(trimmed)
		return &Preprocessed{Path: resampled}, nil
	}

	_ = os.Remove(resampled)
	return &Preprocessed{Path: trimmed}, nil
}

// tempWAV creates an empty temp file for ffmpeg to overwrite.
func (p *Preprocessor) tempWAV() (string, error) {
	f, err := os.CreateTemp(p.cfg.TempDir, "greekdrop-*.wav")
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file: %v", ErrPreprocessingFailed, err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

// runFFmpeg converts in to a 16 kHz mono PCM WAV at out, applying any
// extra filter args.
func (p *Preprocessor) runFFmpeg(ctx context.Context, in, out string, extra []string) error {
	args := []string{"-y", "-i", in, "-vn", "-ac", "1", "-ar", fmt.Sprint(SampleRate), "-acodec", "pcm_s16le"}
	args = append(args, extra...)
	args = append(args, out)

	cmd := exec.CommandContext(ctx, p.cfg.FFmpegBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrPreprocessingFailed, p.cfg.FFmpegBin, err, lastLine(stderr.Bytes()))
	}
	return nil
}

// lastLine returns the final non-empty stderr line, the part of ffmpeg
// output that actually names the problem.
func lastLine(b []byte) string {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
