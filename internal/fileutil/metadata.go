package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JobMetadata is the sidecar written alongside a job's artifacts.
type JobMetadata struct {
	Version      string    `json:"version"`
	JobID        string    `json:"job_id"`
	SourceFile   string    `json:"source_file"`
	Language     string    `json:"language"`
	Model        string    `json:"model"`
	Backend      string    `json:"backend"`
	Device       string    `json:"device"`
	Duration     string    `json:"duration"`
	DurationMs   int64     `json:"duration_ms"`
	ProcessingMs int64     `json:"processing_ms"`
	SegmentCount int       `json:"segment_count"`
	Formats      []string  `json:"formats"`
	CompletedAt  time.Time `json:"completed_at"`
}

// WriteMetadata writes <stem>.meta.json next to the artifacts, using
// the same atomic temp + rename discipline as the artifacts themselves.
func WriteMetadata(dir, stem string, meta *JobMetadata) error {
	metaPath := filepath.Join(dir, stem+".meta.json")

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on error.
	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}
