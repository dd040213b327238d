// Package scheduler runs mirror tasks headless on a fixed interval.
package scheduler

import (
	"context"
	"time"
)

// Scheduler runs tasks periodically until stopped
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Status() *Status
}

// Status is a snapshot of the scheduler counters
type Status struct {
	Running        bool
	LastRunTime    time.Time
	NextRunTime    time.Time
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	LastError      string
}

// Config selects the interval and the tasks of each round
type Config struct {
	Interval time.Duration

	// TaskIDs are run in order each round. Empty means the runner's
	// default set, requested with an empty id.
	TaskIDs []string

	// RunImmediately starts the first round at Start instead of one
	// interval later
	RunImmediately bool
}

// TaskRunner performs one headless backup of a task
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string) error
}
