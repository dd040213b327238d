package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Ning0612/robomirror/internal/domain"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "data", "outcomes.db"))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outcomes.db")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer m.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file was not created: %v", err)
	}
}

func TestNewManager_EmptyPath(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Error("Expected error for empty path, got nil")
	}
}

func TestLogOutcome_AndEntries(t *testing.T) {
	m := newManager(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	if err := m.LogOutcome("task-1", domain.SeverityInfo, `Success: "C:\src" mirrored to "E:\dst"`, "robocopy output"); err != nil {
		t.Fatalf("LogOutcome failed: %v", err)
	}
	if err := m.LogOutcome("task-2", domain.SeverityError, "other task", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.LogOutcome("task-1", domain.SeverityWarning, "The last operation timestamp could not be saved.", ""); err != nil {
		t.Fatal(err)
	}

	entries, err := m.Entries("task-1", 10)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// newest first
	if entries[0].Severity != domain.SeverityWarning || entries[1].Severity != domain.SeverityInfo {
		t.Errorf("unexpected order: %+v", entries)
	}
	if entries[1].Data != "robocopy output" || entries[0].Data != "" {
		t.Errorf("data not round-tripped: %+v", entries)
	}
	if !entries[1].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamp = %v", entries[1].Timestamp)
	}
}

func TestEntries_Limit(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 5; i++ {
		if err := m.LogOutcome("t", domain.SeverityInfo, "run", ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := m.Entries("t", 3)
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(entries), err)
	}
	if _, err := m.Entries("t", 0); err == nil {
		t.Error("non-positive limit should fail")
	}
}

func TestEntries_SameTimestampNewestFirst(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.LogOutcome("t", domain.SeverityInfo, "first", "")
	m.LogOutcome("t", domain.SeverityInfo, "second", "")

	last, err := m.LastEntry("t")
	if err != nil || last == nil || last.Message != "second" {
		t.Errorf("expected the later insert first, got %+v (%v)", last, err)
	}
}

func TestLastEntry_None(t *testing.T) {
	m := newManager(t)

	last, err := m.LastEntry("missing")
	if err != nil || last != nil {
		t.Errorf("expected nil entry, got %+v (%v)", last, err)
	}
}

func TestWrite_Validation(t *testing.T) {
	m := newManager(t)

	tests := []Entry{
		{Severity: domain.SeverityInfo, Message: "m"},
		{TaskID: "t", Severity: domain.SeverityInfo},
		{TaskID: "t", Severity: "fatal", Message: "m"},
	}
	for _, e := range tests {
		if err := m.Write(e); err == nil {
			t.Errorf("expected validation error for %+v", e)
		}
	}
}

func TestDeleteEntries(t *testing.T) {
	m := newManager(t)
	m.LogOutcome("a", domain.SeverityInfo, "1", "")
	m.LogOutcome("a", domain.SeverityInfo, "2", "")
	m.LogOutcome("b", domain.SeverityInfo, "3", "")

	n, err := m.DeleteEntries("a")
	if err != nil || n != 2 {
		t.Fatalf("DeleteEntries = %d, %v", n, err)
	}
	if entries, _ := m.Entries("b", 10); len(entries) != 1 {
		t.Error("other tasks must be untouched")
	}
}

func TestConcurrentWrites(t *testing.T) {
	m := newManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.LogOutcome("t", domain.SeverityInfo, "run", ""); err != nil {
				t.Errorf("LogOutcome failed: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := m.Entries("t", 100)
	if err != nil || len(entries) != 10 {
		t.Errorf("expected 10 entries, got %d (%v)", len(entries), err)
	}
}
