package errlog

import (
	"bytes"
	"os"
	"sync"
)

// rollingWriter appends NDJSON records to a size-capped file. When the
// next write would exceed the cap, the oldest half of the record lines
// is dropped, so the most recent failures of a long-running process
// always survive.
type rollingWriter struct {
	path    string
	maxSize int64
	f       *os.File
	size    int64
	mu      sync.Mutex
}

// newRollingWriter opens path (creating it if needed) and returns a
// writer capped at maxSize bytes.
func newRollingWriter(path string, maxSize int64) (*rollingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &rollingWriter{path: path, maxSize: maxSize, f: f, size: info.Size()}, nil
}

// Write appends one record line, compacting first when the cap would be
// exceeded. A Sync follows every write for durability.
func (rw *rollingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.compact(); err != nil {
			return 0, err
		}
	}

	n, err := rw.f.Write(p)
	if err != nil {
		return n, err
	}
	rw.size += int64(n)
	_ = rw.f.Sync()
	return n, nil
}

// compact rewrites the file keeping only the newest half of its record
// lines. Caller holds mu.
func (rw *rollingWriter) compact() error {
	data, err := os.ReadFile(rw.path)
	if err != nil {
		return err
	}
	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	kept := lines[(len(lines)+1)/2:]

	var out []byte
	if len(kept) > 0 {
		out = append(bytes.Join(kept, []byte("\n")), '\n')
	}

	if err := rw.f.Truncate(0); err != nil {
		return err
	}
	if _, err := rw.f.Seek(0, 0); err != nil {
		return err
	}
	n, err := rw.f.Write(out)
	if err != nil {
		return err
	}
	rw.size = int64(n)
	return nil
}

// close flushes and closes the file.
func (rw *rollingWriter) close() error {
	_ = rw.f.Sync()
	return rw.f.Close()
}
