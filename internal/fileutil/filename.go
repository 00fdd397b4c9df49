// Package fileutil provides output-file naming and sidecar metadata for
// transcription artifacts.
package fileutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// Sanitize makes a string safe for use as a filename stem. Illegal
// characters become underscores, then runs of whitespace and underscores
// collapse to single hyphens; the result is capped at 50 characters.
func Sanitize(input string) string {
	if input == "" {
		return "Transcription"
	}

	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = whitespace.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	// Cap at 50 runes, not bytes: Greek stems are two bytes per rune
	// and must never be cut mid-rune.
	if utf8.RuneCountInString(sanitized) > 50 {
		runes := []rune(sanitized)
		sanitized = strings.TrimRight(string(runes[:50]), "-")
	}

	if sanitized == "" {
		return "Transcription"
	}
	return sanitized
}

// ArtifactStem builds the deterministic output stem for a job:
// <sanitized source base>_<unix timestamp>. All artifacts of one job
// share the stem and differ only in extension.
func ArtifactStem(sourceBase string, ts time.Time) string {
	return fmt.Sprintf("%s_%d", Sanitize(sourceBase), ts.Unix())
}
