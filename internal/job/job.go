// Package job sequences the transcription pipeline for submitted audio
// files: preprocess, acquire model, recognize, export. Each job runs on
// its own goroutine and reports back over an event channel so the
// interactive surface never blocks.
package job

import (
	"context"
	"errors"

	"github.com/greekdrop/greekdrop/internal/audio"
	"github.com/greekdrop/greekdrop/internal/export"
	"github.com/greekdrop/greekdrop/internal/model"
	"github.com/greekdrop/greekdrop/internal/recognizer"
)

// State is one step of the job lifecycle. Transitions are strictly
// sequential; Failed is terminal and reachable from every non-terminal
// state.
type State int

const (
	StateIdle State = iota
	StatePreprocessing
	StateLoadingModel
	StateRecognizing
	StateExporting
	StateCompleted
	StateFailed
)

// String returns the state name used in events and error records.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePreprocessing:
		return "Preprocessing"
	case StateLoadingModel:
		return "LoadingModel"
	case StateRecognizing:
		return "Recognizing"
	case StateExporting:
		return "Exporting"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request describes one submitted audio file.
type Request struct {
	Path       string
	Formats    []export.Kind      // nil = coordinator default
	DeviceHint string             // "" = auto
	Options    recognizer.Options // zero value = coordinator defaults
}

// Event is one progress/result message delivered to the submitting
// surface. Result and Artifacts are set only on Completed; Err only on
// Failed.
type Event struct {
	JobID     string
	Source    string
	State     State
	Message   string
	Err       error
	Result    *recognizer.Result
	Artifacts []export.Artifact
}

// ErrKind maps a pipeline error to its taxonomy name for the persisted
// error record. The coordinator attaches context but never reinterprets
// the kind a component surfaced.
func ErrKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, audio.ErrInputInvalid):
		return "input_invalid"
	case errors.Is(err, audio.ErrPreprocessingFailed):
		return "preprocessing_failed"
	case errors.Is(err, model.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, recognizer.ErrRecognitionFailed):
		return "recognition_failed"
	case errors.Is(err, export.ErrExportFailed):
		return "export_failed"
	default:
		return "internal"
	}
}
