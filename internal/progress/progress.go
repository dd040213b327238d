package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Phase of a mirror operation
type Phase int

const (
	// PhaseAnalyzing is the simulation pass identifying pending changes
	PhaseAnalyzing Phase = iota
	// PhasePreparing is the creation and mount of a shadow copy
	PhasePreparing
	// PhaseMirroring is the real robocopy pass
	PhaseMirroring
	// PhaseFinished ends every operation
	PhaseFinished
)

// String returns the display name of the phase
func (p Phase) String() string {
	switch p {
	case PhaseAnalyzing:
		return "Analyzing"
	case PhasePreparing:
		return "Preparing"
	case PhaseMirroring:
		return "Mirroring"
	case PhaseFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Reporter receives progress of a mirror operation. Calls are made from
// the operation's coordination goroutine, never concurrently.
type Reporter interface {
	// Phase reports entering a phase with a short human readable detail
	Phase(phase Phase, detail string)
	// Percent reports the estimated completion of the mirroring phase
	Percent(percent float64)
	// Error reports a problem that ends the operation
	Error(err error)
}

// Callback is a function that receives progress updates
type Callback func(update Update)

// Update represents a progress update
type Update struct {
	Type    UpdateType
	Phase   Phase
	Detail  string
	Percent float64
	Error   error
}

// UpdateType indicates the type of progress update
type UpdateType int

const (
	UpdatePhase UpdateType = iota
	UpdatePercent
	UpdateError
)

// CallbackReporter implements Reporter with a callback function
type CallbackReporter struct {
	callback Callback
	mu       sync.Mutex
	phase    Phase
	percent  float64
}

// NewCallbackReporter creates a new CallbackReporter
func NewCallbackReporter(callback Callback) *CallbackReporter {
	return &CallbackReporter{
		callback: callback,
	}
}

// Phase reports a phase change
func (r *CallbackReporter) Phase(phase Phase, detail string) {
	r.mu.Lock()
	r.phase = phase
	r.percent = 0
	update := Update{Type: UpdatePhase, Phase: phase, Detail: detail}
	callback := r.callback
	r.mu.Unlock()

	// Call callback outside lock to prevent deadlock
	if callback != nil {
		callback(update)
	}
}

// Percent reports the estimated completion of the current phase
func (r *CallbackReporter) Percent(percent float64) {
	r.mu.Lock()
	r.percent = percent
	update := Update{Type: UpdatePercent, Phase: r.phase, Percent: percent}
	callback := r.callback
	r.mu.Unlock()

	if callback != nil {
		callback(update)
	}
}

// Error reports an error
func (r *CallbackReporter) Error(err error) {
	r.mu.Lock()
	update := Update{Type: UpdateError, Phase: r.phase, Percent: r.percent, Error: err}
	callback := r.callback
	r.mu.Unlock()

	if callback != nil {
		callback(update)
	}
}

// NullReporter is a no-op reporter
type NullReporter struct{}

func (NullReporter) Phase(phase Phase, detail string) {}
func (NullReporter) Percent(percent float64)          {}
func (NullReporter) Error(err error)                  {}

// LineEstimator approximates completion of a real pass by counting output
// lines against the line count of the preceding simulation. It is a proxy,
// not a byte-accurate measure.
type LineEstimator struct {
	expected int
	seen     int
	last     float64
}

// NewLineEstimator creates an estimator; expected <= 0 disables it
func NewLineEstimator(expected int) *LineEstimator {
	return &LineEstimator{expected: expected}
}

// Active reports whether estimates are produced
func (e *LineEstimator) Active() bool {
	return e != nil && e.expected > 0
}

// Observe counts one line and returns min(100, 100*seen/expected).
// The result never decreases.
func (e *LineEstimator) Observe() float64 {
	if !e.Active() {
		return 0
	}
	e.seen++

	p := 100 * float64(e.seen) / float64(e.expected)
	if p > 100 {
		p = 100
	}
	if p < e.last {
		p = e.last
	}
	e.last = p
	return p
}

// WriterReporter renders progress as text lines on a terminal
type WriterReporter struct {
	w     io.Writer
	width int
	mu    sync.Mutex
	bar   bool
}

// NewWriterReporter creates a reporter drawing a bar of width characters
func NewWriterReporter(w io.Writer, width int) *WriterReporter {
	return &WriterReporter{w: w, width: width}
}

// Phase prints the phase on its own line
func (r *WriterReporter) Phase(phase Phase, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endBar()
	if detail == "" {
		fmt.Fprintf(r.w, "%s...\n", phase)
		return
	}
	fmt.Fprintf(r.w, "%s... %s\n", phase, detail)
}

// Percent redraws the progress bar in place
func (r *WriterReporter) Percent(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar = true
	fmt.Fprintf(r.w, "\r%s", FormatProgress(int64(percent*10), 1000, r.width))
}

// Error prints the error on its own line
func (r *WriterReporter) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endBar()
	fmt.Fprintf(r.w, "Error: %v\n", err)
}

func (r *WriterReporter) endBar() {
	if r.bar {
		fmt.Fprintln(r.w)
		r.bar = false
	}
}

// FormatPercent formats an estimate the way the tray tooltip did:
// one decimal, empty once complete
func FormatPercent(percent float64) string {
	if percent >= 100 {
		return ""
	}
	return fmt.Sprintf("%.1f%%", percent)
}

// FormatProgress returns a progress bar string
func FormatProgress(current, total int64, width int) string {
	if total == 0 {
		return ""
	}

	percent := float64(current) / float64(total)
	filled := int(percent * float64(width))
	if filled > width {
		filled = width
	}

	var bar strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			bar.WriteByte('=')
		case i == filled:
			bar.WriteByte('>')
		default:
			bar.WriteByte(' ')
		}
	}

	return fmt.Sprintf("[%s] %5.1f%%", bar.String(), percent*100)
}
