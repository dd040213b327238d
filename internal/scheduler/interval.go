package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
)

// IntervalScheduler runs a round of tasks on every tick. A round that
// overruns the interval delays the next one; ticks are never queued.
type IntervalScheduler struct {
	config Config
	runner TaskRunner
	log    logger.Logger

	mu          sync.RWMutex
	running     bool
	stopped     bool
	stopOnce    sync.Once
	closeOnce   sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}

	stats Status
}

// NewIntervalScheduler validates config and binds runner
func NewIntervalScheduler(config Config, runner TaskRunner) (*IntervalScheduler, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if runner == nil {
		return nil, errors.New("task runner cannot be nil")
	}

	return &IntervalScheduler{
		config:      config,
		runner:      runner,
		log:         logger.With("component", "scheduler"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}, nil
}

// Start launches the loop. A stopped scheduler cannot be restarted.
func (s *IntervalScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler: %w", domain.ErrAlreadyStarted)
	}
	if s.stopped {
		return errors.New("scheduler cannot be restarted after stop")
	}

	s.running = true
	s.stats.NextRunTime = time.Now().Add(s.config.Interval)
	if s.config.RunImmediately {
		s.stats.NextRunTime = time.Now()
	}

	s.log.Info("scheduler started", "interval", s.config.Interval.String(), "tasks", len(s.config.TaskIDs))
	go s.run(ctx)
	return nil
}

func (s *IntervalScheduler) run(ctx context.Context) {
	defer s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.running = false
		s.mu.Unlock()
		close(s.stoppedChan)
		s.log.Info("scheduler stopped")
	})

	if s.config.RunImmediately {
		s.runRound(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRound(ctx)
		}
	}
}

// runRound runs every configured task once. A failing task does not
// keep the following ones from running.
func (s *IntervalScheduler) runRound(ctx context.Context) {
	s.mu.Lock()
	s.stats.LastRunTime = time.Now()
	s.stats.TotalRuns++
	s.stats.NextRunTime = s.stats.LastRunTime.Add(s.config.Interval)
	s.mu.Unlock()

	ids := s.config.TaskIDs
	if len(ids) == 0 {
		ids = []string{""}
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.runner.RunTask(ctx, id); err != nil {
			s.log.Warn("scheduled task failed", "task_id", id, "error", err)
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(errs) > 0 {
		s.stats.FailedRuns++
		s.stats.LastError = errors.Join(errs...).Error()
	} else {
		s.stats.SuccessfulRuns++
		s.stats.LastError = ""
	}
}

// Stop ends the loop and waits for a running round to finish
func (s *IntervalScheduler) Stop() error {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return fmt.Errorf("scheduler: %w", domain.ErrNotStarted)
	}
	s.mu.RUnlock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.stoppedChan
	return nil
}

// Done is closed when the loop has exited
func (s *IntervalScheduler) Done() <-chan struct{} {
	return s.stoppedChan
}

// Status returns a copy of the counters
func (s *IntervalScheduler) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.Running = s.running
	return &st
}
