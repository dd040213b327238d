// Package snapshot drives the vshadow tool to create, mount and tear down
// a persistent volume shadow copy for the duration of one mirror run.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/process"
)

const snapshotIDPrefix = "* SNAPSHOT ID = "

// State of a session
type State int

const (
	Uncreated State = iota
	Creating
	Mounting
	Mounted
	TearingDown
	Destroyed
	Aborted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Uncreated:
		return "uncreated"
	case Creating:
		return "creating"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case TearingDown:
		return "tearing down"
	case Destroyed:
		return "destroyed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Tool is a resolved vshadow executable
type Tool struct {
	Path     string
	Encoding encoding.Encoding
}

// Locate resolves the vshadow binary. An explicit override wins; otherwise
// vshadow64.exe or vshadow32.exe is picked from toolsDir depending on the
// OS architecture.
func Locate(toolsDir, override string) (Tool, error) {
	path := override
	if path == "" {
		name := "vshadow32.exe"
		if is64BitOS() {
			name = "vshadow64.exe"
		}
		path = filepath.Join(toolsDir, name)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Tool{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, path)
	}
	return Tool{Path: path}, nil
}

func is64BitOS() bool {
	// A 32-bit build still runs on 64-bit Windows; SysWOW64 gives it away
	if root := os.Getenv("SystemRoot"); root != "" {
		if info, err := os.Stat(filepath.Join(root, "SysWOW64")); err == nil && info.IsDir() {
			return true
		}
	}
	return strings.HasSuffix(runtime.GOARCH, "64")
}

// Option configures a Session
type Option func(*Session)

// WithTempDir sets the parent folder for mount points (os.TempDir by default)
func WithTempDir(dir string) Option {
	return func(s *Session) { s.tempDir = dir }
}

// WithLogger sets the session logger
func WithLogger(log logger.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session owns one persistent shadow copy. The owner must call Dispose on
// every exit path; ready and aborted are the only notifications and at
// most one of them fires. Both are invoked on a process reader goroutine
// (or synchronously from Start when the tool cannot be launched).
type Session struct {
	tool    Tool
	tempDir string
	log     logger.Logger

	// disposeMu serialises teardown, mu guards the fields below
	disposeMu sync.Mutex
	mu        sync.Mutex

	state      State
	proc       *process.Runner
	snapshotID string
	mountPoint string
	notified   bool

	onReady   func(mountPoint string)
	onAborted func(text string)
}

// NewSession creates an idle session for tool
func NewSession(tool Tool, opts ...Option) *Session {
	s := &Session{
		tool:    tool,
		tempDir: os.TempDir(),
		log:     logger.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "snapshot")
	return s
}

// OnReady registers the success notification; set it before Start
func (s *Session) OnReady(fn func(mountPoint string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// OnAborted registers the failure notification; set it before Start.
// The session has already been disposed when it fires.
func (s *Session) OnAborted(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAborted = fn
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MountPoint returns the folder the snapshot is exposed in, empty unless
// the session is mounted
func (s *Session) MountPoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Mounted {
		return ""
	}
	return s.mountPoint
}

// SnapshotID returns the identifier reported by the creation step
func (s *Session) SnapshotID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotID
}

// Start begins creating a shadow copy of volume (e.g. `C:\`). A tool that
// cannot be launched is reported through the aborted notification.
func (s *Session) Start(volume string) error {
	if volume == "" {
		return fmt.Errorf("%w: volume is required", domain.ErrSnapshot)
	}

	s.mu.Lock()
	if s.state != Uncreated {
		s.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	s.state = Creating

	s.log.Info("creating shadow copy", "volume", volume)

	proc := s.newProcess("-p", volume)
	proc.OnLine(s.captureID)
	proc.OnExit(func(code int) { s.creationExited(proc, code) })
	s.proc = proc

	err := proc.Start()
	s.mu.Unlock()

	if err != nil {
		s.abort("The volume shadow copy could not be created:\n\n" + err.Error())
	}
	return nil
}

func (s *Session) newProcess(args ...string) *process.Runner {
	return process.New(process.Request{
		Path:     s.tool.Path,
		Args:     args,
		Encoding: s.tool.Encoding,
	})
}

// captureID records the identifier as soon as it is printed so that a
// dispose during creation can still tear the snapshot down
func (s *Session) captureID(line string) {
	id, ok := ParseSnapshotID(line)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Creating {
		s.snapshotID = id
	}
}

func (s *Session) creationExited(proc *process.Runner, code int) {
	s.mu.Lock()
	if s.state != Creating {
		s.mu.Unlock()
		return
	}

	output, _ := proc.FullOutput()
	if code != 0 {
		s.mu.Unlock()
		s.abort("The volume shadow copy could not be created:\n\n" + output)
		return
	}

	if s.snapshotID == "" {
		lines, _ := proc.Lines()
		s.snapshotID = findSnapshotID(lines)
	}
	if s.snapshotID == "" {
		s.mu.Unlock()
		s.abort("The vshadow output could not be parsed:\n\n" + output)
		return
	}

	mountPoint, err := createMountPoint(s.tempDir)
	if err != nil {
		s.mu.Unlock()
		s.abort("The volume shadow copy could not be mounted:\n\n" + err.Error())
		return
	}
	s.mountPoint = mountPoint
	s.state = Mounting

	s.log.Info("mounting shadow copy", "snapshot_id", s.snapshotID, "mount_point", mountPoint)

	mount := s.newProcess(fmt.Sprintf("-el=%s,%s", s.snapshotID, mountPoint))
	mount.OnExit(func(code int) { s.mountExited(mount, code) })
	s.proc = mount

	err = mount.Start()
	s.mu.Unlock()

	if err != nil {
		s.abort("The volume shadow copy could not be mounted:\n\n" + err.Error())
	}
}

func (s *Session) mountExited(proc *process.Runner, code int) {
	s.mu.Lock()
	if s.state != Mounting {
		s.mu.Unlock()
		return
	}

	if code != 0 {
		output, _ := proc.FullOutput()
		s.mu.Unlock()
		s.abort("The volume shadow copy could not be mounted:\n\n" + output)
		return
	}

	s.state = Mounted
	s.proc = nil
	s.notified = true
	mountPoint := s.mountPoint
	cb := s.onReady
	s.mu.Unlock()

	s.log.Info("shadow copy ready", "mount_point", mountPoint)
	if cb != nil {
		cb(mountPoint)
	}
}

// abort tears the session down and then fires the aborted notification
func (s *Session) abort(text string) {
	s.mu.Lock()
	if s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	cb := s.onAborted
	s.mu.Unlock()

	s.log.Warn("shadow copy aborted", "reason", firstLine(text))
	s.Dispose()

	s.mu.Lock()
	s.state = Aborted
	s.mu.Unlock()

	if cb != nil {
		cb(text)
	}
}

// Dispose stops any running vshadow process, deletes the shadow copy and
// removes the mount point. Concurrent and repeated calls are safe; only
// the first one does any work.
func (s *Session) Dispose() {
	s.disposeMu.Lock()
	defer s.disposeMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Destroyed, Aborted, TearingDown:
		s.mu.Unlock()
		return
	}
	s.state = TearingDown
	// Nothing can be notified after teardown has begun
	s.notified = true
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	// The runner may still deliver lines, so no lock is held here
	if proc != nil {
		proc.Dispose()
	}

	s.mu.Lock()
	id := s.snapshotID
	mountPoint := s.mountPoint
	s.mu.Unlock()

	if id != "" {
		s.log.Info("deleting shadow copy", "snapshot_id", id)
		teardown := s.newProcess("-ds=" + id)
		if err := teardown.Start(); err != nil {
			s.log.Error("failed to delete shadow copy", "snapshot_id", id, "error", err)
		} else {
			teardown.Wait()
			if code, _ := teardown.ExitCode(); code != 0 {
				out, _ := teardown.FullOutput()
				s.log.Warn("vshadow teardown reported an error", "exit_code", code, "output", out)
			}
		}
	}

	if mountPoint != "" {
		if err := os.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove mount point", "path", mountPoint, "error", err)
		}
	}

	s.mu.Lock()
	s.snapshotID = ""
	s.mountPoint = ""
	s.state = Destroyed
	s.mu.Unlock()
}

// ParseSnapshotID extracts the identifier from a "* SNAPSHOT ID = " line.
// Both the braced form vshadow prints and a bare GUID are accepted; the
// text is returned as printed.
func ParseSnapshotID(line string) (string, bool) {
	if !strings.HasPrefix(line, snapshotIDPrefix) {
		return "", false
	}
	rest := line[len(snapshotIDPrefix):]

	n := 36
	if strings.HasPrefix(rest, "{") {
		n = 38
	}
	if len(rest) < n {
		return "", false
	}
	id := rest[:n]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

// findSnapshotID returns the id from the last matching line
func findSnapshotID(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], snapshotIDPrefix) {
			id, _ := ParseSnapshotID(lines[i])
			return id
		}
	}
	return ""
}

func createMountPoint(parent string) (string, error) {
	for {
		path := filepath.Join(parent, uuid.NewString())
		err := os.Mkdir(path, 0700)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create mount point: %w", err)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
