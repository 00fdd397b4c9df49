// Package config loads and persists the pipeline configuration from
// ~/.config/greekdrop/config.json. Values here are the opaque inputs
// the front end hands the job coordinator: device override, output
// directory, last-used export format.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all pipeline configuration.
type Config struct {
	OutputDir      string `json:"output_dir"`                // artifact directory
	DeviceOverride string `json:"device_override,omitempty"` // "", "cpu", "accelerator"
	LastFormat     string `json:"last_format"`               // "txt", "srt", "vtt", "all"
	Language       string `json:"language"`                  // declared language
	TrimSilence    bool   `json:"trim_silence"`
	ModelPath      string `json:"model_path"`       // ggml weights for the native path
	ModelName      string `json:"model_name"`       // e.g. "base"
	WhisperCLIPath string `json:"whisper_cli_path"` // fallback CLI binary
	FFmpegBin      string `json:"ffmpeg_bin,omitempty"`
	FFprobeBin     string `json:"ffprobe_bin,omitempty"`
	WatchDir       string `json:"watch_dir,omitempty"` // intake directory for watch mode
	ErrorLogPath   string `json:"error_log_path"`
	TimeoutSeconds int    `json:"timeout_seconds"` // CLI recognition timeout
	Threads        int    `json:"threads,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	home := os.Getenv("HOME")
	return &Config{
		OutputDir:      filepath.Join(home, "Transcriptions"),
		LastFormat:     "all",
		Language:       "el",
		TrimSilence:    true,
		ModelPath:      filepath.Join(home, ".local", "share", "greekdrop", "ggml-base.bin"),
		ModelName:      "base",
		WhisperCLIPath: "whisper",
		ErrorLogPath:   filepath.Join(home, ".local", "state", "greekdrop", "errors.ndjson"),
		TimeoutSeconds: 300,
	}
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "greekdrop", "config.json")
}

// Load reads the config file, falling back to defaults when it does
// not exist yet.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration, creating the directory if needed.
// Used to persist the last-used export format.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(), data, 0644)
}

// Validate checks the configuration for validity.
func (c *Config) Validate() error {
	switch c.DeviceOverride {
	case "", "cpu", "accelerator":
	default:
		return fmt.Errorf("device_override must be empty, \"cpu\" or \"accelerator\", got %q", c.DeviceOverride)
	}

	switch c.LastFormat {
	case "txt", "srt", "vtt", "all":
	default:
		return fmt.Errorf("last_format must be txt, srt, vtt or all, got %q", c.LastFormat)
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative, got %d", c.Threads)
	}
	return nil
}
