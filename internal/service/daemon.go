package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ning0612/robomirror/internal/daemon"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/scheduler"
)

// DefaultStopPoll is how often the daemon checks for a stop request
const DefaultStopPoll = time.Second

// DaemonOptions configure a DaemonService
type DaemonOptions struct {
	Interval time.Duration

	// TaskIDs to run each round; empty runs every task
	TaskIDs []string

	// RunOnStart runs the first round right away
	RunOnStart bool

	PIDFile  string
	StopPoll time.Duration
}

// DaemonService runs the scheduler in the foreground of a long-lived
// process and owns its PID file
type DaemonService struct {
	opts   DaemonOptions
	runner scheduler.TaskRunner
	pid    *daemon.PIDFile
	log    logger.Logger

	mu    sync.RWMutex
	sched *scheduler.IntervalScheduler
}

// NewDaemonService binds runner to the schedule in opts
func NewDaemonService(opts DaemonOptions, runner scheduler.TaskRunner) (*DaemonService, error) {
	if runner == nil {
		return nil, errors.New("task runner cannot be nil")
	}
	if opts.PIDFile == "" {
		return nil, errors.New("PID file path cannot be empty")
	}
	if opts.StopPoll <= 0 {
		opts.StopPoll = DefaultStopPoll
	}

	return &DaemonService{
		opts:   opts,
		runner: runner,
		pid:    daemon.NewPIDFile(opts.PIDFile),
		log:    logger.With("component", "daemon"),
	}, nil
}

// Run blocks until ctx is cancelled or a stop is requested through the
// PID file. Cancellation aborts the running task; a stop request lets
// the current round finish.
func (d *DaemonService) Run(ctx context.Context) error {
	if err := d.pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := d.pid.Remove(); err != nil {
			d.log.Warn("failed to remove PID file", "error", err)
		}
	}()

	sched, err := scheduler.NewIntervalScheduler(scheduler.Config{
		Interval:       d.opts.Interval,
		TaskIDs:        d.opts.TaskIDs,
		RunImmediately: d.opts.RunOnStart,
	}, d.runner)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.mu.Lock()
	d.sched = sched
	d.mu.Unlock()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	d.log.Info("daemon started", "pid_file", d.pid.Path(), "interval", d.opts.Interval.String())

	poll := time.NewTicker(d.opts.StopPoll)
	defer poll.Stop()

	for {
		select {
		case <-sched.Done():
			d.logStats(sched.Status())
			return nil
		case <-poll.C:
			if d.pid.StopRequested() {
				d.log.Info("stop requested, waiting for the current round")
				sched.Stop()
			}
		}
	}
}

// Status returns the scheduler counters, nil before Run
func (d *DaemonService) Status() *scheduler.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sched == nil {
		return nil
	}
	return d.sched.Status()
}

func (d *DaemonService) logStats(st *scheduler.Status) {
	d.log.Info("daemon stopped",
		"rounds", st.TotalRuns,
		"successful", st.SuccessfulRuns,
		"failed", st.FailedRuns)
}
