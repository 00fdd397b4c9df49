// Package errlog persists structured failure records as append-only
// NDJSON. One record is written per failed job; the pipeline itself
// never reads the file back.
package errlog

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one failure event, written as a single JSON line.
type Record struct {
	Timestamp string `json:"ts"` // RFC3339Nano
	JobID     string `json:"job_id"`
	Source    string `json:"source"` // input file the job was working on
	Stage     string `json:"stage"`  // pipeline stage that failed
	Kind      string `json:"kind"`   // taxonomy member, e.g. "recognition_failed"
	Detail    string `json:"detail"` // diagnostic message
}

// Logger appends Records to a rolling NDJSON file.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log at path, capped at 10 MB.
func New(path string) (*Logger, error) {
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// NewNoOp returns a logger where every Append is a no-op. Used as a
// safe fallback when New fails and in tests that do not inspect the
// log.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}

// Append serializes rec and writes it as one line. A zero Timestamp is
// filled with the current UTC time. Serialization failures are dropped;
// the error log must never fail a job a second time.
func (l *Logger) Append(rec Record) {
	if l == nil || !l.enabled {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/no-op
// loggers.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}
