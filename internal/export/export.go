// Package export renders a transcription result into its output
// formats. Rendering is a pure function of the result; writing is
// atomic (temp file + rename) so a reader never observes a partial
// artifact.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/greekdrop/greekdrop/internal/fileutil"
	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// ErrExportFailed marks an artifact write error. Formatting itself
// cannot fail for a well-formed result.
var ErrExportFailed = errors.New("export failed")

// Kind identifies one output representation.
type Kind string

const (
	KindText Kind = "txt"
	KindSRT  Kind = "srt"
	KindVTT  Kind = "vtt"
)

// AllKinds returns every export format, in the order they are written
// for an "export all" request.
func AllKinds() []Kind {
	return []Kind{KindText, KindSRT, KindVTT}
}

// ParseKinds resolves a user-facing format string: a single kind, or
// "all" for every format.
func ParseKinds(s string) ([]Kind, error) {
	switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "."))) {
	case "txt":
		return []Kind{KindText}, nil
	case "srt":
		return []Kind{KindSRT}, nil
	case "vtt":
		return []Kind{KindVTT}, nil
	case "all":
		return AllKinds(), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", s)
	}
}

// Artifact is one rendered output file.
type Artifact struct {
	Kind    Kind
	Path    string
	Content []byte
}

// Render produces the artifact bytes for one format. Pure: rendering
// the same result twice yields identical bytes.
func Render(res *recognizer.Result, kind Kind) []byte {
	switch kind {
	case KindSRT:
		return renderSRT(res)
	case KindVTT:
		return renderVTT(res)
	default:
		return renderText(res)
	}
}

// renderText emits one line per segment prefixed with its start time,
// followed by a metadata trailer.
func renderText(res *recognizer.Result) []byte {
	var b strings.Builder
	for _, seg := range res.Segments {
		fmt.Fprintf(&b, "[%s] %s\n", formatClock(seg.Start), seg.Text)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "---\n")
	fmt.Fprintf(&b, "Source: %s\n", res.SourceName)
	fmt.Fprintf(&b, "Language: %s\n", res.Language)
	fmt.Fprintf(&b, "Duration: %s\n", formatClock(res.Duration()))
	fmt.Fprintf(&b, "Model: %s (%s, %s)\n", res.Model, res.Backend, res.Device)
	return []byte(b.String())
}

// renderSRT emits SubRip cues: 1-based index, comma-decimal timestamps,
// blank-line separated.
func renderSRT(res *recognizer.Result) []byte {
	var b strings.Builder
	for i, seg := range res.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatStamp(seg.Start, ','), formatStamp(seg.End, ','))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return []byte(b.String())
}

// renderVTT emits WebVTT cues: dot-decimal timestamps, no indices.
func renderVTT(res *recognizer.Result) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range res.Segments {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatStamp(seg.Start, '.'), formatStamp(seg.End, '.'))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return []byte(b.String())
}

// formatStamp renders HH:MM:SS<sep>mmm, flooring to the millisecond
// with every field zero-padded.
func formatStamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// formatClock renders HH:MM:SS for the plain-text prefix and trailer.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// RenderAll renders res into every requested kind with paths rooted at
// dir/stem. The same result backs every artifact; no re-transcription.
func RenderAll(res *recognizer.Result, kinds []Kind, dir, stem string) []Artifact {
	artifacts := make([]Artifact, 0, len(kinds))
	for _, kind := range kinds {
		artifacts = append(artifacts, Artifact{
			Kind:    kind,
			Path:    filepath.Join(dir, stem+"."+string(kind)),
			Content: Render(res, kind),
		})
	}
	return artifacts
}

// Stem builds the deterministic output stem for a source at a point in
// time.
func Stem(sourceBase string, ts time.Time) string {
	return fileutil.ArtifactStem(sourceBase, ts)
}

// WriteArtifact writes one artifact atomically.
func WriteArtifact(a Artifact) error {
	if err := atomicWrite(a.Path, a.Content); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExportFailed, a.Path, err)
	}
	return nil
}

// WriteAll writes every artifact, collecting failures so one locked
// file does not abandon the rest.
func WriteAll(artifacts []Artifact) error {
	var errs []string
	for _, a := range artifacts {
		if err := WriteArtifact(a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrExportFailed, strings.Join(errs, "; "))
	}
	return nil
}

// atomicWrite writes data to path via a temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on error.
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing artifact: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}
	tmpFile = nil // prevent defer cleanup

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming artifact: %w", err)
	}
	return nil
}
