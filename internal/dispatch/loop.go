// Package dispatch provides the single coordination goroutine that owns
// mirror operation state. Notifications from process reader goroutines
// are posted here instead of touching state directly.
package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Loop runs posted functions one at a time, in posting order, on a
// single goroutine. Post never blocks, so it is safe to call from
// callbacks that the loop itself may be waiting on.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	running bool

	wake        chan struct{}
	closeOnce   sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New creates a loop; call Start or Run to begin processing
func New() *Loop {
	return &Loop{
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Start runs the loop in a new goroutine
func (l *Loop) Start(ctx context.Context) error {
	if err := l.claim(); err != nil {
		return err
	}
	go l.run(ctx)
	return nil
}

// Run processes posted functions on the calling goroutine until Close
// is called (after draining what was already queued) or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.claim(); err != nil {
		return err
	}
	return l.run(ctx)
}

func (l *Loop) claim() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("dispatch loop is already running")
	}
	if l.closed {
		return fmt.Errorf("dispatch loop cannot be restarted after close")
	}
	l.running = true
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	defer close(l.stoppedChan)

	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			l.closeOnce.Do(func() {
				l.mu.Lock()
				l.closed = true
				l.pending = nil
				l.mu.Unlock()
				close(l.stopChan)
			})
			return ctx.Err()
		case <-l.stopChan:
			// Close was requested; run what was queued before it
			for {
				fn, ok := l.next()
				if !ok {
					return nil
				}
				fn()
			}
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn, true
}

// Close stops accepting work, lets the loop drain and waits for it to
// return. It is idempotent and must not be called from the loop itself.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stopChan)
	})

	l.mu.Lock()
	running := l.running
	l.mu.Unlock()

	if running {
		<-l.stoppedChan
	}
}

// Do posts fn and waits until it has run. It returns false if the loop
// was closed before fn could run. Never call Do from the loop goroutine.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-l.stoppedChan:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Stopped is closed once the loop goroutine has returned
func (l *Loop) Stopped() <-chan struct{} {
	return l.stoppedChan
}
