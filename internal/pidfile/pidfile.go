// Package pidfile guards against two watcher instances draining the
// same intake directory.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// File is an acquired PID file. Release it with Remove at shutdown.
type File struct {
	path string
	pid  int
}

// Acquire claims the PID file at path for the current process. A stale
// file left by a dead process is replaced; a live owner is an error.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating pid directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) {
				return nil, fmt.Errorf("another instance is already running (PID %d)", pid)
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("removing stale pid file: %w", err)
			}
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return &File{path: path, pid: pid}, nil
}

// Remove deletes the PID file if this process still owns it.
func (f *File) Remove() error {
	if f == nil {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr != nil || pid != f.pid {
		return nil
	}
	return os.Remove(f.path)
}

// processAlive reports whether pid names a running process we can see.
// Signal 0 probes without delivering anything; EPERM still means alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil || err == syscall.EPERM {
		return true
	}
	return false
}

// DefaultPath returns the conventional PID file location for app.
func DefaultPath(app string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "greekdrop", app+".pid")
}
