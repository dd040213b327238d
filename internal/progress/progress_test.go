package progress

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestCallbackReporter_Phase tests phase updates
func TestCallbackReporter_Phase(t *testing.T) {
	var update Update
	reporter := NewCallbackReporter(func(u Update) {
		update = u
	})

	reporter.Phase(PhaseAnalyzing, "pending changes are being identified")

	if update.Type != UpdatePhase {
		t.Errorf("expected UpdatePhase, got %v", update.Type)
	}
	if update.Phase != PhaseAnalyzing {
		t.Errorf("expected PhaseAnalyzing, got %v", update.Phase)
	}
	if update.Detail != "pending changes are being identified" {
		t.Errorf("unexpected detail '%s'", update.Detail)
	}
}

// TestCallbackReporter_Percent tests that percent updates carry the phase
func TestCallbackReporter_Percent(t *testing.T) {
	var updates []Update
	reporter := NewCallbackReporter(func(u Update) {
		updates = append(updates, u)
	})

	reporter.Phase(PhaseMirroring, "")
	reporter.Percent(42.5)

	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	u := updates[1]
	if u.Type != UpdatePercent || u.Phase != PhaseMirroring || u.Percent != 42.5 {
		t.Errorf("unexpected update %+v", u)
	}
}

// TestCallbackReporter_Error tests error reporting
func TestCallbackReporter_Error(t *testing.T) {
	var update Update
	reporter := NewCallbackReporter(func(u Update) {
		update = u
	})

	testErr := errors.New("robocopy could not be started")
	reporter.Phase(PhaseMirroring, "")
	reporter.Percent(10)
	reporter.Error(testErr)

	if update.Type != UpdateError {
		t.Errorf("expected UpdateError, got %v", update.Type)
	}
	if update.Error != testErr {
		t.Errorf("expected error %v, got %v", testErr, update.Error)
	}
	if update.Percent != 10 {
		t.Errorf("expected last percent 10, got %v", update.Percent)
	}
}

// TestCallbackReporter_Concurrent tests concurrent use
func TestCallbackReporter_Concurrent(t *testing.T) {
	var mu sync.Mutex
	count := 0

	reporter := NewCallbackReporter(func(u Update) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				reporter.Percent(float64(j * 10))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 50 {
		t.Errorf("expected 50 updates, got %d", count)
	}
}

// TestSecurity_CallbackDeadlock tests that callbacks don't cause deadlock
func TestSecurity_CallbackDeadlock(t *testing.T) {
	done := make(chan bool, 1)

	var reporter *CallbackReporter
	reporter = NewCallbackReporter(func(u Update) {
		// Callback re-enters the reporter
		switch u.Type {
		case UpdatePhase:
			reporter.Percent(0)
		case UpdatePercent:
			if u.Percent >= 100 {
				reporter.Error(io.EOF)
			}
		}
	})

	go func() {
		reporter.Phase(PhaseMirroring, "")
		reporter.Percent(100)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock detected - callback was called while holding lock")
	}
}

// TestLineEstimator_Monotonic tests that estimates never decrease or exceed 100
func TestLineEstimator_Monotonic(t *testing.T) {
	for _, expected := range []int{1, 3, 7, 100} {
		e := NewLineEstimator(expected)
		last := 0.0
		for n := 0; n < 3*expected+5; n++ {
			p := e.Observe()
			if p < last {
				t.Fatalf("expected=%d: estimate decreased from %v to %v", expected, last, p)
			}
			if p > 100 {
				t.Fatalf("expected=%d: estimate %v exceeds 100", expected, p)
			}
			last = p
		}
		if last != 100 {
			t.Errorf("expected=%d: final estimate %v, want 100", expected, last)
		}
	}
}

// TestLineEstimator_Values tests the line ratio
func TestLineEstimator_Values(t *testing.T) {
	e := NewLineEstimator(4)
	want := []float64{25, 50, 75, 100, 100}
	for i, w := range want {
		if got := e.Observe(); got != w {
			t.Errorf("line %d: got %v, want %v", i+1, got, w)
		}
	}
}

// TestLineEstimator_Inactive tests the disabled estimator
func TestLineEstimator_Inactive(t *testing.T) {
	var nilEstimator *LineEstimator
	if nilEstimator.Active() {
		t.Error("nil estimator should be inactive")
	}

	e := NewLineEstimator(0)
	if e.Active() {
		t.Error("zero expected lines should disable the estimator")
	}
	if p := e.Observe(); p != 0 {
		t.Errorf("inactive estimator returned %v", p)
	}
}

// TestWriterReporter tests terminal rendering
func TestWriterReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewWriterReporter(&buf, 10)

	r.Phase(PhaseMirroring, `to "E:\Backup"`)
	r.Percent(50)
	r.Phase(PhaseFinished, "")
	r.Error(errors.New("boom"))

	out := buf.String()
	for _, want := range []string{
		"Mirroring... to \"E:\\Backup\"\n",
		"\r[=====>    ]  50.0%\n",
		"Finished...\n",
		"Error: boom\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q should contain %q", out, want)
		}
	}
}

// TestFormatPercent tests the short percentage suffix
func TestFormatPercent(t *testing.T) {
	if got := FormatPercent(12.345); got != "12.3%" {
		t.Errorf("FormatPercent(12.345) = %s", got)
	}
	if got := FormatPercent(100); got != "" {
		t.Errorf("FormatPercent(100) = %s, want empty", got)
	}
}

// TestFormatProgress tests progress bar generation
func TestFormatProgress(t *testing.T) {
	tests := []struct {
		current  int64
		total    int64
		width    int
		contains string // Check if this string is in output
	}{
		{0, 100, 20, "[>"},       // Empty bar
		{50, 100, 20, "50.0%"},   // Half complete
		{100, 100, 20, "100.0%"}, // Full
		{0, 0, 20, ""},           // Zero total (empty result)
	}

	for _, tt := range tests {
		got := FormatProgress(tt.current, tt.total, tt.width)
		if tt.contains != "" && !strings.Contains(got, tt.contains) {
			t.Errorf("FormatProgress(%d, %d, %d) = %s, should contain '%s'",
				tt.current, tt.total, tt.width, got, tt.contains)
		}
	}
}

// TestPhase_String tests phase names
func TestPhase_String(t *testing.T) {
	if PhaseAnalyzing.String() != "Analyzing" || Phase(42).String() != "Unknown" {
		t.Error("unexpected phase names")
	}
}

// TestNullReporter tests that NullReporter doesn't panic
func TestNullReporter(t *testing.T) {
	var nr NullReporter

	// Should not panic
	nr.Phase(PhaseAnalyzing, "")
	nr.Percent(50)
	nr.Error(io.EOF)
}
