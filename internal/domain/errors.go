package domain

import (
	"errors"
	"fmt"
)

// Process errors - 子程序層錯誤
var (
	// ErrAlreadyStarted indicates a one-shot component was started twice
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates the component has not been started yet
	ErrNotStarted = errors.New("not started")

	// ErrNotExited indicates process results were read before the process exited
	ErrNotExited = errors.New("process has not exited yet")

	// ErrLaunch indicates the OS refused to create the process
	ErrLaunch = errors.New("process could not be launched")

	// ErrToolNotFound indicates an external tool executable could not be located
	ErrToolNotFound = errors.New("tool not found")
)

// Mirror errors - 鏡像作業層錯誤
var (
	// ErrSourceNotFound indicates the resolved source folder does not exist
	ErrSourceNotFound = errors.New("source folder not found")

	// ErrDestinationNotFound indicates the resolved destination folder does not exist
	ErrDestinationNotFound = errors.New("destination folder not found")

	// ErrSnapshot indicates the volume shadow copy could not be created or mounted
	ErrSnapshot = errors.New("volume shadow copy failed")

	// ErrOperationInProgress indicates another operation holds the task
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrAborted indicates the operation was aborted before it completed
	ErrAborted = errors.New("operation aborted")

	// ErrMirrorFailed indicates robocopy completed with a failing exit code
	ErrMirrorFailed = errors.New("mirror operation failed")
)

// Task and config errors - 任務與設定檔錯誤
var (
	// ErrInvalidTask indicates a malformed mirror task
	ErrInvalidTask = errors.New("invalid mirror task")

	// ErrTaskNotFound indicates the task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")
)

// LaunchError carries the executable and the OS error of a failed launch
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s could not be started: %v", e.Path, e.Err)
}

// Unwrap allows errors.Is(err, ErrLaunch) as well as matching the OS cause
func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

// SnapshotError wraps the diagnostic text reported by a snapshot session
type SnapshotError struct {
	Text string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSnapshot, e.Text)
}

func (e *SnapshotError) Unwrap() error {
	return ErrSnapshot
}
