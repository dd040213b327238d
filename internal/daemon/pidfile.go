// Package daemon tracks the background scheduler process through a PID
// file and a stop marker next to it.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Write when a live daemon owns the file
var ErrAlreadyRunning = errors.New("daemon is already running")

// ErrNotRunning is returned when no live daemon owns the file
var ErrNotRunning = errors.New("daemon is not running")

// PIDFile manages the daemon's PID file
type PIDFile struct {
	path string
}

// NewPIDFile binds a PID file to path
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID file location
func (p *PIDFile) Path() string {
	return p.path
}

// stopPath is the marker a stop request creates
func (p *PIDFile) stopPath() string {
	return p.path + ".stop"
}

// Write records the current process. A file left by a dead process is
// replaced; one owned by a live process is not.
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %w", errors.Join(werr, cerr))
			}
			// a stop request aimed at a previous daemon does not apply
			os.Remove(p.stopPath())
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		if pid, running := p.Status(); running {
			return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, p.path)
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("%w (%s keeps reappearing)", ErrAlreadyRunning, p.path)
}

// Read returns the PID stored in the file
func (p *PIDFile) Read() (int, error) {
	content, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: no PID file at %s", ErrNotRunning, p.path)
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	s := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %q", p.path, s)
	}
	return pid, nil
}

// Status reports the recorded PID and whether that process is alive.
// An unreadable file counts as not running.
func (p *PIDFile) Status() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// Remove deletes the PID file if it belongs to the current process
func (p *PIDFile) Remove() error {
	pid, err := p.Read()
	if err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	os.Remove(p.stopPath())
	return nil
}

// RequestStop asks a running daemon to exit after its current round.
// It works the same on every platform because the daemon polls for it.
func (p *PIDFile) RequestStop() error {
	if _, running := p.Status(); !running {
		return ErrNotRunning
	}
	if err := os.WriteFile(p.stopPath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	return nil
}

// StopRequested reports whether RequestStop was called for this daemon
func (p *PIDFile) StopRequested() bool {
	_, err := os.Stat(p.stopPath())
	return err == nil
}

// Kill terminates the recorded process without waiting for the round
func (p *PIDFile) Kill() error {
	pid, running := p.Status()
	if !running {
		return ErrNotRunning
	}
	return killProcess(pid)
}
