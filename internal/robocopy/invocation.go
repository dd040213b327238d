package robocopy

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/process"
	"github.com/Ning0612/robomirror/internal/snapshot"
)

// Options tune one invocation
type Options struct {
	// DryRun appends /l so robocopy only lists pending changes
	DryRun bool

	// Switches are the base switches from the configuration
	Switches string

	// BackupMode appends /zb
	BackupMode bool

	// Locale used to group digits in summary fields
	Locale language.Tag

	Logger logger.Logger
}

type startMode int

const (
	notStarted startMode = iota
	startedDirect
	startedInSnapshot
)

// Invocation is one run of robocopy against a resolved source and
// destination. It owns the subprocess and, when started inside a
// snapshot, the snapshot session.
type Invocation struct {
	tool        Tool
	source      string
	destination string
	args        []argument
	purge       bool
	printer     *message.Printer
	log         logger.Logger

	mu        sync.Mutex
	mode      startMode
	runner    *process.Runner
	session   *snapshot.Session
	cmdLine   string
	disposed  bool
	onLine    func(line string)
	onExit    func(code int)
	onStarted func()

	counts *Counts
}

// New prepares an invocation of tool for task in direction dir. Both
// resolved folders must exist; no process is launched here.
func New(tool Tool, task domain.MirrorTask, dir domain.Direction, opts Options) (*Invocation, error) {
	if tool.Path == "" {
		return nil, fmt.Errorf("%w: robocopy path is empty", domain.ErrToolNotFound)
	}

	source, destination := task.Resolve(dir)
	if !isDir(source) {
		return nil, fmt.Errorf("%w: %q", domain.ErrSourceNotFound, source)
	}
	if !isDir(destination) {
		return nil, fmt.Errorf("%w: %q", domain.ErrDestinationNotFound, destination)
	}

	args := buildArguments(source, destination, taskSwitches{
		custom:             task.CustomSwitches,
		extendedAttributes: task.ExtendedAttributes,
		excludedAttributes: task.ExcludedAttributes,
		excludedFiles:      task.ExcludedFiles,
		excludedFolders:    task.ExcludedFolders,
		purge:              task.DeleteExtraItems,
	}, opts)

	locale := opts.Locale
	if locale == language.Und {
		locale = language.English
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}

	inv := &Invocation{
		tool:        tool,
		source:      source,
		destination: destination,
		args:        args,
		purge:       hasSwitch(args, "/purge", "/mir"), // /mir implies /purge
		printer:     message.NewPrinter(locale),
		log:         log.With("component", "robocopy", "task_id", task.ID),
	}
	_, inv.cmdLine = render(tool.Path, args, "", "")
	return inv, nil
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Source returns the resolved source folder
func (i *Invocation) Source() string { return i.source }

// Destination returns the resolved destination folder
func (i *Invocation) Destination() string { return i.destination }

// Purges reports whether extra destination items are deleted
func (i *Invocation) Purges() bool { return i.purge }

// CommandLine returns the command line of this run. Once started inside
// a snapshot it reflects the mount point.
func (i *Invocation) CommandLine() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cmdLine
}

// OnLine registers the per-line callback; set it before starting
func (i *Invocation) OnLine(fn func(line string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onLine = fn
}

// OnExit registers the exit callback; set it before starting. Any
// snapshot session has been disposed by the time it runs.
func (i *Invocation) OnExit(fn func(code int)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onExit = fn
}

// OnStarted registers a callback fired once robocopy has been launched.
// Inside a snapshot this happens when the shadow copy is ready.
func (i *Invocation) OnStarted(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onStarted = fn
}

// Start launches robocopy directly on the source
func (i *Invocation) Start() error {
	i.mu.Lock()
	if i.mode != notStarted {
		i.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	i.mode = startedDirect
	err := i.launchLocked("")
	cb := i.onStarted
	i.mu.Unlock()

	if err != nil {
		return err
	}
	if cb != nil {
		cb()
	}
	return nil
}

// StartInSnapshot creates a shadow copy of the source volume through
// session and runs robocopy on the mounted snapshot once it is ready.
// onAbort receives the diagnostic text when the snapshot or the launch
// fails; robocopy is not started in that case. Must not be combined
// with Start.
func (i *Invocation) StartInSnapshot(session *snapshot.Session, onAbort func(text string)) error {
	if session == nil || onAbort == nil {
		return errors.New("snapshot session and abort handler are required")
	}

	i.mu.Lock()
	if i.mode != notStarted {
		i.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	i.mode = startedInSnapshot
	i.session = session
	i.mu.Unlock()

	volume := VolumeOf(i.source)
	session.OnAborted(onAbort)
	session.OnReady(func(mountPoint string) {
		i.mu.Lock()
		if i.disposed {
			i.mu.Unlock()
			return
		}
		err := i.launchLocked(mountPoint)
		cb := i.onStarted
		i.mu.Unlock()

		if err != nil {
			session.Dispose()
			onAbort("Robocopy could not be started:\n\n" + err.Error())
			return
		}
		if cb != nil {
			cb()
		}
	})

	i.log.Info("starting robocopy in shadow copy", "volume", volume)
	return session.Start(volume)
}

func (i *Invocation) launchLocked(mountPoint string) error {
	argv, cmdLine := render(i.tool.Path, i.args, VolumeOf(i.source), mountPoint)
	i.cmdLine = cmdLine

	r := process.New(process.Request{
		Path:     i.tool.Path,
		Args:     argv,
		CmdLine:  cmdLine,
		Encoding: i.tool.Encoding,
	})
	r.OnLine(func(line string) {
		i.mu.Lock()
		cb := i.onLine
		i.mu.Unlock()
		if cb != nil {
			cb(line)
		}
	})
	r.OnExit(func(code int) {
		i.mu.Lock()
		session := i.session
		cb := i.onExit
		i.mu.Unlock()

		if session != nil {
			session.Dispose()
		}
		if cb != nil {
			cb(code)
		}
	})
	i.runner = r

	i.log.Debug("starting robocopy", "command_line", cmdLine)
	return r.Start()
}

// HasStarted reports whether the robocopy process was launched
func (i *Invocation) HasStarted() bool {
	r := i.currentRunner()
	return r != nil && r.HasStarted()
}

// HasExited reports whether the robocopy process has terminated
func (i *Invocation) HasExited() bool {
	r := i.currentRunner()
	return r != nil && r.HasExited()
}

// IsRunning reports whether robocopy is currently running
func (i *Invocation) IsRunning() bool {
	r := i.currentRunner()
	return r != nil && r.HasStarted() && !r.HasExited()
}

func (i *Invocation) currentRunner() *process.Runner {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runner
}

// Lines returns robocopy's output; ErrNotExited before exit
func (i *Invocation) Lines() ([]string, error) {
	r := i.currentRunner()
	if r == nil {
		return nil, domain.ErrNotExited
	}
	return r.Lines()
}

// FullOutput returns the newline-joined output; ErrNotExited before exit
func (i *Invocation) FullOutput() (string, error) {
	r := i.currentRunner()
	if r == nil {
		return "", domain.ErrNotExited
	}
	return r.FullOutput()
}

// ExitCode returns robocopy's exit code, -1 if it was killed
func (i *Invocation) ExitCode() (int, error) {
	r := i.currentRunner()
	if r == nil {
		return 0, domain.ErrNotExited
	}
	return r.ExitCode()
}

// IsAnyExitFlagSet tests the exit code of the completed run against flags.
// A killed run has no flags.
func (i *Invocation) IsAnyExitFlagSet(flags domain.ExitFlags) (bool, error) {
	code, err := i.ExitCode()
	if err != nil {
		return false, err
	}
	if code == int(domain.ExitAborted) {
		return false, nil
	}
	return domain.ExitFlags(code)&flags != 0, nil
}

// Classification classifies the completed run
func (i *Invocation) Classification() (domain.Classification, error) {
	code, err := i.ExitCode()
	if err != nil {
		return domain.Classification{}, err
	}
	return domain.Classify(false, code), nil
}

// Kill terminates a running robocopy process
func (i *Invocation) Kill() {
	if r := i.currentRunner(); r != nil {
		r.Kill()
	}
}

// Dispose kills robocopy if needed and deletes any shadow copy.
// It is safe to call more than once.
func (i *Invocation) Dispose() {
	i.mu.Lock()
	i.disposed = true
	r := i.runner
	session := i.session
	i.mu.Unlock()

	if r != nil {
		r.Dispose()
	}
	if session != nil {
		session.Dispose()
	}
}
