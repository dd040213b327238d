// Package service runs mirror operations outside an interactive session:
// by task id from the command line and on a schedule from the daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Ning0612/robomirror/internal/config"
	"github.com/Ning0612/robomirror/internal/dispatch"
	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/lock"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/mirror"
	"github.com/Ning0612/robomirror/internal/process"
	"github.com/Ning0612/robomirror/internal/progress"
	"github.com/Ning0612/robomirror/internal/robocopy"
	"github.com/Ning0612/robomirror/internal/snapshot"
)

// TaskStore is the part of the task store a run needs
type TaskStore interface {
	List() ([]domain.MirrorTask, error)
	Find(ref string) (domain.MirrorTask, error)
	Update(ctx context.Context, id string, fn func(*domain.MirrorTask) error) (domain.MirrorTask, error)
}

// RunOptions tune one Run. Nil collaborators fall back to headless
// defaults: auto confirmation and log output.
type RunOptions struct {
	Direction domain.Direction
	Simulate  bool

	Prompter mirror.Prompter
	Reporter progress.Reporter
	Notifier mirror.Notifier

	// Interrupts asks the prompter whether to abort on every receive
	Interrupts <-chan struct{}
}

// MirrorService runs tasks from the store, one operation per task at a
// time across processes
type MirrorService struct {
	store    TaskStore
	outcomes mirror.OutcomeLogger
	robocopy robocopy.Tool
	vshadow  snapshot.Tool
	options  robocopy.Options
	snapDir  string
	lockDir  string
	log      logger.Logger
	now      func() time.Time
}

// NewMirrorService resolves the external tools once. A missing vshadow
// only fails the tasks that use a shadow copy.
func NewMirrorService(cfg *config.Config, store TaskStore, outcomes mirror.OutcomeLogger) (*MirrorService, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if store == nil {
		return nil, errors.New("task store cannot be nil")
	}
	log := logger.With("component", "service")

	enc, err := process.ConsoleEncoding(cfg.Robocopy.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	rc, err := robocopy.Locate(cfg.Tools.Dir, cfg.Tools.Robocopy)
	if err != nil {
		return nil, err
	}
	rc.Encoding = enc

	vs, err := snapshot.Locate(cfg.Tools.Dir, cfg.Tools.VShadow)
	if err != nil {
		log.Warn("vshadow not available, shadow copy tasks will fail", "error", err)
		vs = snapshot.Tool{}
	} else {
		vs.Encoding = enc
	}

	backupMode := cfg.Robocopy.BackupMode
	if backupMode && !robocopy.BackupModeSupported() {
		log.Warn("backup mode requires an elevated process, /zb disabled")
		backupMode = false
	}

	return &MirrorService{
		store:    store,
		outcomes: outcomes,
		robocopy: rc,
		vshadow:  vs,
		options: robocopy.Options{
			Switches:   cfg.Robocopy.Switches,
			BackupMode: backupMode,
			Locale:     cfg.Locale(),
		},
		snapDir: cfg.SnapshotDir(),
		lockDir: lockDir(cfg),
		log:     log,
		now:     time.Now,
	}, nil
}

func lockDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "locks")
}

func newTaskLock(dir, taskID string) (*lock.FileLock, error) {
	return lock.New(dir, "task-"+taskID)
}

// TaskLock returns the lock that keeps two operations on taskID from
// running at the same time
func TaskLock(cfg *config.Config, taskID string) (*lock.FileLock, error) {
	return newTaskLock(lockDir(cfg), taskID)
}

// Unlock removes the lock of taskID left behind by a crashed run. A lock
// held by a live process is only removed with force.
func Unlock(cfg *config.Config, taskID string, force bool) (*lock.LockInfo, error) {
	l, err := TaskLock(cfg, taskID)
	if err != nil {
		return nil, err
	}
	holder, _ := l.Holder()
	if holder != nil && !force {
		return holder, fmt.Errorf("%w: held by pid %d on %s since %s", domain.ErrOperationInProgress,
			holder.PID, holder.Hostname, holder.StartTime.Format(time.DateTime))
	}
	return holder, l.ForceRelease()
}

// RunTask performs a headless backup. An empty id runs every task in
// store order and keeps going past failures.
func (s *MirrorService) RunTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return s.runAll(ctx)
	}
	result, err := s.Run(ctx, taskID, RunOptions{Direction: domain.Forward})
	if err != nil {
		return err
	}
	return ResultError(result)
}

func (s *MirrorService) runAll(ctx context.Context) error {
	list, err := s.store.List()
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.RunTask(ctx, task.ID); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run performs one backup or restore of the task matching ref and waits
// for it to finish. Cancelling ctx aborts without asking.
func (s *MirrorService) Run(ctx context.Context, ref string, opts RunOptions) (mirror.Result, error) {
	task, err := s.store.Find(ref)
	if err != nil {
		return mirror.Result{}, err
	}
	log := s.log.With("task_id", task.ID, "operation", opts.Direction.String())

	taskLock, err := newTaskLock(s.lockDir, task.ID)
	if err != nil {
		return mirror.Result{}, err
	}
	if err := taskLock.TryAcquire(opts.Direction.String()); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return mirror.Result{}, fmt.Errorf("%w: %v", domain.ErrOperationInProgress, err)
		}
		return mirror.Result{}, err
	}
	defer func() {
		if err := taskLock.Release(); err != nil {
			log.Warn("failed to release task lock", "error", err)
		}
	}()

	loop := dispatch.New()
	if err := loop.Start(context.Background()); err != nil {
		return mirror.Result{}, err
	}
	defer loop.Close()

	prompter := &abortPrompter{Prompter: opts.Prompter}
	if prompter.Prompter == nil {
		prompter.Prompter = mirror.AutoConfirm{}
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.NewCallbackReporter(logProgress(log))
	}

	op := mirror.New(loop, &task, opts.Direction, mirror.Dependencies{
		Robocopy:    s.robocopy,
		VShadow:     s.vshadow,
		Options:     s.options,
		SnapshotDir: s.snapDir,
		Prompter:    prompter,
		Reporter:    reporter,
		Notifier:    opts.Notifier,
		Outcomes:    s.outcomes,
		Logger:      log,
		Now:         s.now,
	})
	defer loop.Do(op.Dispose)

	var startErr error
	loop.Do(func() { startErr = op.Start(opts.Simulate) })
	if startErr != nil {
		return op.Result(), startErr
	}

	cancelled := ctx.Done()
wait:
	for {
		select {
		case <-op.Done():
			break wait
		case <-opts.Interrupts:
			loop.Do(func() { op.Abort() })
		case <-cancelled:
			cancelled = nil
			log.Info("run cancelled, aborting")
			prompter.force.Store(true)
			loop.Do(func() {
				if !op.Abort() {
					op.Dispose()
				}
			})
		}
	}

	result := op.Result()
	if result.Success && opts.Direction == domain.Forward && task.LastOperation != nil {
		s.saveLastOperation(task, opts.Notifier, log)
	}
	return result, result.Err
}

// saveLastOperation persists the timestamp the operation stamped on its
// copy of the task. A failure is reported but the run stays successful.
func (s *MirrorService) saveLastOperation(task domain.MirrorTask, notifier mirror.Notifier, log logger.Logger) {
	stamp := *task.LastOperation
	_, err := s.store.Update(context.Background(), task.ID, func(t *domain.MirrorTask) error {
		t.LastOperation = &stamp
		return nil
	})
	if err == nil {
		return
	}

	const message = "The last operation timestamp could not be saved."
	log.Warn("failed to save last operation timestamp", "error", err)
	if s.outcomes != nil {
		if lerr := s.outcomes.LogOutcome(task.ID, domain.SeverityWarning, message, err.Error()); lerr != nil {
			log.Warn("failed to log outcome", "error", lerr)
		}
	}
	if notifier != nil {
		notifier.NotifyError(message + "\n\n" + err.Error())
	}
}

// CommandLine renders the robocopy command a real pass of task would run
func (s *MirrorService) CommandLine(task domain.MirrorTask, dir domain.Direction) (string, error) {
	opts := s.options
	opts.Logger = s.log
	inv, err := robocopy.New(s.robocopy, task, dir, opts)
	if err != nil {
		return "", err
	}
	return inv.CommandLine(), nil
}

// ResultError maps an unsuccessful result to an error, nil on success
func ResultError(r mirror.Result) error {
	switch {
	case r.Success:
		return nil
	case r.Err != nil:
		return r.Err
	case r.Classification.Aborted:
		return domain.ErrAborted
	case !r.Completed && r.Classification.Code == 0:
		// pending changes declined
		return domain.ErrAborted
	default:
		return fmt.Errorf("%w: robocopy exit code %d", domain.ErrMirrorFailed, r.Classification.Code)
	}
}

// abortPrompter confirms aborts unconditionally once forced
type abortPrompter struct {
	mirror.Prompter
	force atomic.Bool
}

func (p *abortPrompter) ConfirmAbort() bool {
	if p.force.Load() {
		return true
	}
	return p.Prompter.ConfirmAbort()
}

// logProgress writes progress to the application log: phases at info,
// every tenth percent at debug
func logProgress(log logger.Logger) progress.Callback {
	last := 0
	return func(u progress.Update) {
		switch u.Type {
		case progress.UpdatePhase:
			last = 0
			log.Info(u.Phase.String(), "detail", u.Detail)
		case progress.UpdatePercent:
			if step := int(u.Percent) / 10; step > last {
				last = step
				log.Debug("progress", "percent", progress.FormatPercent(u.Percent))
			}
		case progress.UpdateError:
			log.Error("operation error", "error", u.Error)
		}
	}
}
