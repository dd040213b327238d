package process

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/Ning0612/robomirror/internal/domain"
)

// maxLineLength bounds a single output line; longer lines are split
const maxLineLength = 1024 * 1024

// Request describes one external process invocation
type Request struct {
	// Path to the executable
	Path string

	// Args are passed to the process (argv[1:])
	Args []string

	// Dir is the working directory, empty for the current one
	Dir string

	// CmdLine, when set, is handed to the OS verbatim on Windows
	// (including the program name) and ignored elsewhere
	CmdLine string

	// Encoding of the process output, nil for UTF-8
	Encoding encoding.Encoding
}

// Runner wraps one console process whose stdout and stderr are merged
// into a single ordered sequence of lines.
//
// Lines are delivered to the OnLine callback from one reader goroutine,
// so the callback is never invoked concurrently with itself. The exit
// callback fires exactly once after the last line. Captured output is
// only readable after the process has exited.
type Runner struct {
	req Request

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	exited   bool
	killed   bool
	exitCode int
	lines    []string
	full     *string
	onLine   func(line string)
	onExit   func(code int)

	done        chan struct{}
	disposeOnce sync.Once
}

// New creates a runner for req; nothing is launched until Start
func New(req Request) *Runner {
	return &Runner{
		req:  req,
		done: make(chan struct{}),
	}
}

// Path returns the executable path of the request
func (r *Runner) Path() string {
	return r.req.Path
}

// OnLine registers the per-line callback; set it before Start
func (r *Runner) OnLine(fn func(line string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLine = fn
}

// OnExit registers the exit callback; set it before Start
func (r *Runner) OnExit(fn func(code int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExit = fn
}

// Start launches the process asynchronously
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return domain.ErrAlreadyStarted
	}
	r.started = true

	cmd := exec.Command(r.req.Path, r.req.Args...)
	cmd.Dir = r.req.Dir
	configureCommand(cmd, r.req.CmdLine)

	// Both streams share one pipe so the child's write order is preserved
	pr, pw, err := os.Pipe()
	if err != nil {
		close(r.done)
		return &domain.LaunchError{Path: r.req.Path, Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		close(r.done)
		return &domain.LaunchError{Path: r.req.Path, Err: err}
	}

	// The child owns the write end now
	pw.Close()
	r.cmd = cmd

	go r.pump(pr)
	return nil
}

// pump reads the merged output until EOF, then reaps the process
func (r *Runner) pump(rd io.ReadCloser) {
	defer rd.Close()

	var src io.Reader = rd
	if r.req.Encoding != nil {
		src = transform.NewReader(rd, r.req.Encoding.NewDecoder())
	}
	r.readLines(src)

	_ = r.cmd.Wait()

	r.mu.Lock()
	state := r.cmd.ProcessState
	code := state.ExitCode()
	switch {
	case r.killed && !exitedNormally(state):
		code = int(domain.ExitAborted)
	case code == -1:
		// Terminated by a signal we did not send
		code = int(domain.ExitFatalError)
	}
	r.exitCode = code
	r.exited = true
	cb := r.onExit
	r.mu.Unlock()

	// done closes before onExit so the callback may call Dispose
	close(r.done)

	if cb != nil {
		cb(code)
	}
}

// readLines delivers every line of src. Lines longer than maxLineLength
// are split into maxLineLength chunks.
func (r *Runner) readLines(src io.Reader) {
	br := bufio.NewReaderSize(src, 64*1024)
	var buf []byte
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				r.deliver(string(buf))
			}
			return
		}
		buf = append(buf, chunk...)
		for len(buf) > maxLineLength {
			r.deliver(string(buf[:maxLineLength]))
			buf = append(buf[:0], buf[maxLineLength:]...)
		}
		if !more {
			r.deliver(string(buf))
			buf = buf[:0]
		}
	}
}

func (r *Runner) deliver(line string) {
	line = strings.TrimRight(line, "\r")

	r.mu.Lock()
	r.lines = append(r.lines, line)
	cb := r.onLine
	r.mu.Unlock()

	if cb != nil {
		cb(line)
	}
}

// Kill requests immediate termination. It is a no-op if the process has
// not been started or has already exited; a process that finished on its
// own keeps its exit code.
func (r *Runner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.exited || processGone(r.cmd.Process) {
		return
	}
	if err := r.cmd.Process.Kill(); err == nil {
		r.killed = true
	}
}

// Dispose guarantees termination and waits until the OS handles have
// been released. Safe to call repeatedly and from any goroutine.
func (r *Runner) Dispose() {
	r.disposeOnce.Do(func() {
		r.Kill()

		r.mu.Lock()
		running := r.cmd != nil
		r.mu.Unlock()

		if running {
			<-r.done
		}
	})
}

// HasStarted reports whether Start has launched the process
func (r *Runner) HasStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

// HasExited reports whether the process has terminated
func (r *Runner) HasExited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// Done is closed once the process has exited and every line was
// delivered, just before the OnExit callback runs
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the process has exited and every line was delivered.
// OnExit may still be running when it returns.
func (r *Runner) Wait() {
	<-r.done
}

// ExitCode returns the exit status; -1 when the process was killed
func (r *Runner) ExitCode() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exited {
		return 0, domain.ErrNotExited
	}
	return r.exitCode, nil
}

// Lines returns the captured output lines in arrival order.
// The returned slice must not be modified.
func (r *Runner) Lines() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exited {
		return nil, domain.ErrNotExited
	}
	return r.lines, nil
}

// FullOutput returns the newline-joined output, computed once
func (r *Runner) FullOutput() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exited {
		return "", domain.ErrNotExited
	}
	if r.full == nil {
		s := strings.Join(r.lines, "\n")
		r.full = &s
	}
	return *r.full, nil
}
