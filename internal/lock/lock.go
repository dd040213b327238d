// Package lock provides named cross-process file locks. The task store
// holds one while rewriting tasks.yaml and every mirror run holds one per
// task, so a scheduled run and an interactive one never overlap.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultStaleTimeout applies to locks held on another host, where the
	// holder's process cannot be checked
	DefaultStaleTimeout = 30 * time.Minute

	// DefaultRetryAttempts and DefaultRetryDelay bound Acquire to about
	// ten seconds
	DefaultRetryAttempts = 100
	DefaultRetryDelay    = 100 * time.Millisecond
)

// ErrLocked is matched by every LockError
var ErrLocked = errors.New("lock is held by another process")

// LockInfo is the JSON content of a lock file
type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
	Owner     string    `json:"owner,omitempty"`
}

// FileLock is one named lock file. A FileLock is not safe for concurrent
// use; goroutines of one process exclude each other through separate
// instances just like separate processes do.
type FileLock struct {
	path          string
	staleTimeout  time.Duration
	retryAttempts int
	retryDelay    time.Duration
	info          *LockInfo
}

// New creates the lock dir/<name>.lock, creating dir if needed
func New(dir, name string) (*FileLock, error) {
	if dir == "" || name == "" {
		return nil, errors.New("lock directory and name are required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path:          filepath.Join(dir, name+".lock"),
		staleTimeout:  DefaultStaleTimeout,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
	}, nil
}

// Path returns the lock file path
func (l *FileLock) Path() string {
	return l.path
}

// SetStaleTimeout sets the age after which a foreign host's lock is ignored
func (l *FileLock) SetStaleTimeout(d time.Duration) {
	l.staleTimeout = d
}

// SetRetry configures Acquire; attempts < 1 means a single attempt
func (l *FileLock) SetRetry(attempts int, delay time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	l.retryAttempts = attempts
	l.retryDelay = delay
}

// Acquire retries TryAcquire until it succeeds, the attempts are used up
// or ctx is done
func (l *FileLock) Acquire(ctx context.Context, owner string) error {
	var err error
	for attempt := 0; attempt < l.retryAttempts; attempt++ {
		if err = l.TryAcquire(owner); err == nil || !errors.Is(err, ErrLocked) {
			return err
		}
		if attempt == l.retryAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	return err
}

// TryAcquire makes a single attempt. Acquiring a lock this instance
// already holds only updates the owner.
func (l *FileLock) TryAcquire(owner string) error {
	if l.info != nil {
		if existing, err := l.read(); err == nil && l.heldByThisInstance(existing) {
			existing.Owner = owner
			if err := l.write(existing); err != nil {
				return err
			}
			l.info.Owner = owner
			return nil
		}
		l.info = nil
	}

	if existing, err := l.read(); err == nil {
		if !l.isStale(existing) {
			return &LockError{Holder: existing, Reason: "lock is held by another process"}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	info := &LockInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartTime: time.Now(),
		Owner:     owner,
	}

	// O_EXCL makes creation the atomic step
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := l.read()
			return &LockError{Holder: holder, Reason: "lock acquired by another process during acquisition"}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock info: %w", err)
	}

	l.info = info
	return nil
}

// Release removes the lock file if this instance still holds it
func (l *FileLock) Release() error {
	if l.info == nil {
		return nil
	}

	existing, err := l.read()
	if err != nil {
		l.info = nil
		return nil
	}
	if !l.heldByThisInstance(existing) {
		l.info = nil
		return fmt.Errorf("lock %s was taken over by PID %d", l.path, existing.PID)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.info = nil
	return nil
}

// WithLock runs fn while holding the lock
func (l *FileLock) WithLock(ctx context.Context, owner string, fn func() error) error {
	if err := l.Acquire(ctx, owner); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// IsLocked reports whether a live lock file exists
func (l *FileLock) IsLocked() bool {
	info, err := l.read()
	return err == nil && !l.isStale(info)
}

// Holder returns the live lock holder
func (l *FileLock) Holder() (*LockInfo, error) {
	info, err := l.read()
	if err != nil {
		return nil, err
	}
	if l.isStale(info) {
		return nil, fmt.Errorf("lock %s is stale", l.path)
	}
	return info, nil
}

// ForceRelease removes the lock file regardless of its holder
func (l *FileLock) ForceRelease() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force remove lock: %w", err)
	}
	l.info = nil
	return nil
}

func (l *FileLock) read() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &info, nil
}

func (l *FileLock) write(info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0644)
}

// isStale: on this host a lock is stale once its process is gone, on
// another host once it is older than staleTimeout
func (l *FileLock) isStale(info *LockInfo) bool {
	hostname, _ := os.Hostname()
	if info.Hostname == hostname {
		return !processExists(info.PID)
	}
	return time.Since(info.StartTime) > l.staleTimeout
}

func (l *FileLock) heldByThisInstance(info *LockInfo) bool {
	if l.info == nil {
		return false
	}
	hostname, _ := os.Hostname()
	return info.PID == os.Getpid() &&
		info.Hostname == hostname &&
		info.StartTime.Equal(l.info.StartTime)
}

// LockError describes a lock held by someone else
type LockError struct {
	Holder *LockInfo
	Reason string
}

func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("cannot acquire lock: %s (held by PID %d on %s since %s, owner: %s)",
			e.Reason,
			e.Holder.PID,
			e.Holder.Hostname,
			e.Holder.StartTime.Format(time.RFC3339),
			e.Holder.Owner,
		)
	}
	return "cannot acquire lock: " + e.Reason
}

func (e *LockError) Unwrap() error {
	return ErrLocked
}
