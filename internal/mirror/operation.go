// Package mirror implements the backup/restore state machine that drives
// an optional simulation pass, the confirmation prompt and the real
// robocopy pass, optionally inside a volume shadow copy.
package mirror

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Ning0612/robomirror/internal/dispatch"
	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/progress"
	"github.com/Ning0612/robomirror/internal/robocopy"
	"github.com/Ning0612/robomirror/internal/snapshot"
)

// State of an operation
type State int

const (
	Created State = iota
	Simulating
	AwaitingConfirmation
	Copying
	AwaitingSnapshot
	Finished
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Simulating:
		return "simulating"
	case AwaitingConfirmation:
		return "awaiting confirmation"
	case Copying:
		return "copying"
	case AwaitingSnapshot:
		return "awaiting snapshot"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Summary describes the pending (or performed) changes of one pass
type Summary struct {
	Source      string
	Destination string
	Transfers   int
	Deletions   int
	Errors      int
	Output      string
}

// Result is delivered once when the operation finishes
type Result struct {
	Success bool

	// Completed is true when the real pass ran until robocopy exited
	Completed      bool
	Classification domain.Classification
	Summary        Summary

	// Err is the failure that ended the operation early, if any
	Err error
}

// Prompter asks the operator for decisions
type Prompter interface {
	// ConfirmPendingChanges shows the simulation summary; false declines
	ConfirmPendingChanges(summary Summary) bool
	// ConfirmAbort asks whether a running operation should be aborted
	ConfirmAbort() bool
}

// Notifier surfaces user-facing error messages
type Notifier interface {
	NotifyError(message string)
}

// OutcomeLogger persists the outcome of a completed real pass
type OutcomeLogger interface {
	LogOutcome(taskID string, severity domain.Severity, message, details string) error
}

// AutoConfirm accepts pending changes and abort requests without asking
type AutoConfirm struct{}

func (AutoConfirm) ConfirmPendingChanges(Summary) bool { return true }
func (AutoConfirm) ConfirmAbort() bool                 { return true }

// Dependencies are the tools and collaborators of an operation
type Dependencies struct {
	Robocopy robocopy.Tool

	// VShadow is required only for tasks using a shadow copy
	VShadow snapshot.Tool

	// Options apply to both passes; DryRun is set per pass
	Options robocopy.Options

	// SnapshotDir is the parent of shadow copy mount points
	SnapshotDir string

	Prompter Prompter
	Reporter progress.Reporter
	Notifier Notifier
	Outcomes OutcomeLogger
	Logger   logger.Logger

	// Now is the clock used for the last operation timestamp
	Now func() time.Time
}

// Operation is one backup or restore of a task. Start, Abort and Dispose
// must be called on the loop goroutine; every notification from robocopy
// and vshadow is posted to the loop before it touches the operation.
type Operation struct {
	loop *dispatch.Loop
	task *domain.MirrorTask
	dir  domain.Direction
	deps Dependencies
	log  logger.Logger

	source      string
	destination string

	inv           *robocopy.Invocation
	simulated     bool
	expectedLines int
	estimator     *progress.LineEstimator
	completed     bool

	mu         sync.Mutex
	state      State
	result     Result
	onFinished func(Result)
	done       chan struct{}
}

// New binds an operation to task, direction and loop. A successful
// forward run updates task.LastOperation in place.
func New(loop *dispatch.Loop, task *domain.MirrorTask, dir domain.Direction, deps Dependencies) *Operation {
	if deps.Prompter == nil {
		deps.Prompter = AutoConfirm{}
	}
	if deps.Reporter == nil {
		deps.Reporter = progress.NullReporter{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Get()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	log := deps.Logger.With("component", "mirror", "task_id", task.ID, "operation", dir.String())
	if deps.Notifier == nil {
		deps.Notifier = logNotifier{log: log}
	}
	deps.Options.Logger = deps.Logger

	source, destination := task.Resolve(dir)
	return &Operation{
		loop:        loop,
		task:        task,
		dir:         dir,
		deps:        deps,
		log:         log,
		source:      source,
		destination: destination,
		done:        make(chan struct{}),
	}
}

type logNotifier struct {
	log logger.Logger
}

func (n logNotifier) NotifyError(message string) {
	n.log.Error(message)
}

// OnFinished registers the completion callback; it runs on the loop
// exactly once
func (o *Operation) OnFinished(fn func(Result)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFinished = fn
}

// State returns the current state; safe from any goroutine
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed when the operation has finished
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome; meaningful once Done is closed
func (o *Operation) Result() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func (o *Operation) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Start begins the operation, with a simulation pass first if requested.
// Failures to build or launch the first robocopy invocation are returned
// and also finish the operation unsuccessfully.
func (o *Operation) Start(simulateFirst bool) error {
	if o.State() != Created {
		return domain.ErrAlreadyStarted
	}

	o.log.Info("operation started", "source", o.source, "destination", o.destination, "simulate", simulateFirst)

	if simulateFirst {
		return o.startSimulation()
	}
	return o.startRealPass()
}

// 模擬階段

func (o *Operation) startSimulation() error {
	o.setState(Simulating)
	o.deps.Reporter.Phase(progress.PhaseAnalyzing, "Pending changes are being identified...")

	inv, err := o.newInvocation(true)
	if err != nil {
		return o.fail(err)
	}
	o.inv = inv
	inv.OnExit(func(code int) {
		o.loop.Post(func() { o.simulationExited(inv, code) })
	})

	if err := inv.Start(); err != nil {
		return o.fail(fmt.Errorf("robocopy could not be started: %w", err))
	}
	return nil
}

func (o *Operation) simulationExited(inv *robocopy.Invocation, code int) {
	if inv != o.inv || o.State() != Simulating {
		return
	}

	c := domain.Classify(false, code)
	if c.Has(domain.ExitFatalError) {
		o.deps.Notifier.NotifyError("A fatal Robocopy error has occurred.")
	}
	if c.Aborted || c.Has(domain.ExitFatalError) {
		o.finish(false, c, nil)
		return
	}

	o.setState(AwaitingConfirmation)
	summary := o.summarize(inv)
	if !o.deps.Prompter.ConfirmPendingChanges(summary) {
		o.log.Info("pending changes declined")
		o.finish(false, domain.Classification{}, nil)
		return
	}

	lines, _ := inv.Lines()
	o.simulated = true
	o.expectedLines = len(lines)
	inv.Dispose()
	o.inv = nil

	// Errors are surfaced and finish the operation; nobody waits for them here
	_ = o.startRealPass()
}

// 實際鏡像階段

func (o *Operation) startRealPass() error {
	inv, err := o.newInvocation(false)
	if err != nil {
		return o.fail(err)
	}
	o.inv = inv

	if o.simulated {
		o.estimator = progress.NewLineEstimator(o.expectedLines)
	}

	inv.OnLine(func(string) {
		o.loop.Post(func() { o.lineReceived(inv) })
	})
	inv.OnExit(func(code int) {
		o.loop.Post(func() { o.realPassExited(inv, code) })
	})

	if !o.task.UseVolumeShadowCopy {
		o.setState(Copying)
		o.deps.Reporter.Phase(progress.PhaseMirroring, fmt.Sprintf("to %s", robocopy.QuotePath(o.destination)))
		if err := inv.Start(); err != nil {
			return o.fail(fmt.Errorf("robocopy could not be started: %w", err))
		}
		return nil
	}

	if o.deps.VShadow.Path == "" {
		return o.fail(fmt.Errorf("%w: vshadow is not configured", domain.ErrToolNotFound))
	}

	o.setState(AwaitingSnapshot)
	volume := robocopy.VolumeOf(o.source)
	o.deps.Reporter.Phase(progress.PhasePreparing,
		fmt.Sprintf("Creating shadow copy of volume %s ...", robocopy.QuotePath(volume)))

	inv.OnStarted(func() {
		o.loop.Post(func() { o.snapshotRunStarted(inv) })
	})
	session := snapshot.NewSession(o.deps.VShadow,
		snapshot.WithTempDir(o.snapshotDir()),
		snapshot.WithLogger(o.deps.Logger))

	err = inv.StartInSnapshot(session, func(text string) {
		o.loop.Post(func() { o.snapshotAborted(inv, text) })
	})
	if err != nil {
		return o.fail(err)
	}
	return nil
}

func (o *Operation) snapshotDir() string {
	if o.deps.SnapshotDir != "" {
		return o.deps.SnapshotDir
	}
	return os.TempDir()
}

func (o *Operation) snapshotRunStarted(inv *robocopy.Invocation) {
	if inv != o.inv || o.State() != AwaitingSnapshot {
		return
	}
	o.setState(Copying)
	o.deps.Reporter.Phase(progress.PhaseMirroring, fmt.Sprintf("to %s", robocopy.QuotePath(o.destination)))
}

func (o *Operation) snapshotAborted(inv *robocopy.Invocation, text string) {
	if inv != o.inv || o.State() == Finished {
		return
	}
	err := &domain.SnapshotError{Text: text}
	o.deps.Notifier.NotifyError(text)
	o.deps.Reporter.Error(err)
	o.finish(false, domain.Classification{}, err)
}

func (o *Operation) lineReceived(inv *robocopy.Invocation) {
	if inv != o.inv {
		return
	}
	switch o.State() {
	case Copying, AwaitingSnapshot:
	default:
		return
	}
	if o.estimator.Active() {
		o.deps.Reporter.Percent(o.estimator.Observe())
	}
}

func (o *Operation) realPassExited(inv *robocopy.Invocation, code int) {
	if inv != o.inv || o.State() == Finished {
		return
	}
	// robocopy may exit before its start notification is handled
	o.snapshotRunStarted(inv)

	c := domain.Classify(false, code)
	message := fmt.Sprintf(c.Message, robocopy.QuotePath(o.source), robocopy.QuotePath(o.destination))
	output, _ := inv.FullOutput()

	if o.deps.Outcomes != nil {
		if err := o.deps.Outcomes.LogOutcome(o.task.ID, c.Severity, message, output); err != nil {
			o.log.Warn("failed to log outcome", "error", err)
			o.deps.Notifier.NotifyError("The mirror operation could not be logged.\n\n" + err.Error())
		}
	}

	o.log.Info(message, "exit_code", c.Code, "severity", string(c.Severity))
	o.completed = true
	o.finish(c.Success, c, nil)
}

// Abort asks the operator and kills the running robocopy (or vshadow)
// process. It returns true only if a kill was issued; the normal exit
// path then finishes the operation as aborted.
func (o *Operation) Abort() bool {
	inv := o.inv
	if inv == nil {
		return false
	}

	state := o.State()
	switch state {
	case Simulating, Copying:
		if !inv.IsRunning() {
			return false
		}
	case AwaitingSnapshot:
	default:
		return false
	}

	if !o.deps.Prompter.ConfirmAbort() {
		return false
	}

	if inv.IsRunning() {
		o.log.Info("aborting robocopy")
		inv.Kill()
		return true
	}

	if o.State() == AwaitingSnapshot {
		// Nothing copies yet; tearing the snapshot down ends the operation
		o.log.Info("aborting shadow copy creation")
		inv.Dispose()
		o.finish(false, domain.Classify(true, 0), nil)
		return true
	}
	return false
}

// Dispose releases every process and shadow copy. An unfinished
// operation finishes as aborted.
func (o *Operation) Dispose() {
	if o.inv != nil {
		o.inv.Dispose()
	}
	if o.State() != Finished {
		o.finish(false, domain.Classify(true, 0), nil)
	}
}

func (o *Operation) fail(err error) error {
	o.log.Error("operation failed", "error", err)
	o.deps.Notifier.NotifyError(err.Error())
	o.deps.Reporter.Error(err)
	o.finish(false, domain.Classification{}, err)
	return err
}

func (o *Operation) finish(success bool, c domain.Classification, err error) {
	if o.State() == Finished {
		return
	}

	summary := Summary{Source: o.source, Destination: o.destination}
	if inv := o.inv; inv != nil {
		if inv.HasExited() {
			summary = o.summarize(inv)
		}
		inv.Dispose()
		o.inv = nil
	}

	if success && o.dir == domain.Forward {
		now := o.deps.Now()
		o.task.LastOperation = &now
	}

	o.deps.Reporter.Phase(progress.PhaseFinished, "")

	o.mu.Lock()
	o.state = Finished
	o.result = Result{
		Success:        success,
		Completed:      o.completed,
		Classification: c,
		Summary:        summary,
		Err:            err,
	}
	result := o.result
	cb := o.onFinished
	o.mu.Unlock()

	close(o.done)
	o.log.Info("operation finished", "success", success)

	if cb != nil {
		cb(result)
	}
}

// summarize is only called once inv has exited
func (o *Operation) summarize(inv *robocopy.Invocation) Summary {
	s := Summary{Source: o.source, Destination: o.destination}
	counts, err := inv.Counts()
	if err != nil {
		o.log.Error("summary read before exit", "error", err)
		return s
	}
	s.Transfers = counts.Transfers
	s.Deletions = counts.Deletions
	s.Errors = counts.Errors
	s.Output, _ = inv.FullOutput()
	return s
}

func (o *Operation) newInvocation(dryRun bool) (*robocopy.Invocation, error) {
	opts := o.deps.Options
	opts.DryRun = dryRun
	return robocopy.New(o.deps.Robocopy, *o.task, o.dir, opts)
}
