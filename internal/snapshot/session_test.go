package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeToolIfRequested()
	os.Exit(m.Run())
}

type outcome struct {
	ready      bool
	mountPoint string
	text       string
}

type fakeSession struct {
	*Session
	calls  string
	mounts string
	events <-chan outcome
}

// newFakeSession returns a session backed by the fake vshadow
func newFakeSession(t *testing.T) fakeSession {
	t.Helper()

	dir := t.TempDir()
	calls := filepath.Join(dir, "calls.txt")
	t.Setenv(testutil.FakeToolEnv, "1")
	t.Setenv(testutil.FakeCallsEnv, calls)

	mounts := filepath.Join(dir, "mounts")
	require.NoError(t, os.Mkdir(mounts, 0755))

	s := NewSession(Tool{Path: os.Args[0]}, WithTempDir(mounts))

	ch := make(chan outcome, 2)
	s.OnReady(func(mp string) { ch <- outcome{ready: true, mountPoint: mp} })
	s.OnAborted(func(text string) { ch <- outcome{text: text} })
	return fakeSession{Session: s, calls: calls, mounts: mounts, events: ch}
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(15 * time.Second):
		t.Fatal("no terminal notification")
		return outcome{}
	}
}

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func TestSession_ReadyThenDispose(t *testing.T) {
	s := newFakeSession(t)

	require.NoError(t, s.Start(`C:\`))
	o := waitOutcome(t, s.events)
	require.True(t, o.ready, "unexpected abort: %s", o.text)

	assert.Equal(t, Mounted, s.State())
	assert.Equal(t, o.mountPoint, s.MountPoint())
	assert.Equal(t, testutil.DefaultSnapshotID, s.SnapshotID())
	assert.DirExists(t, o.mountPoint)

	s.Dispose()
	s.Dispose()

	assert.Equal(t, Destroyed, s.State())
	assert.NoDirExists(t, o.mountPoint)
	assert.Empty(t, s.SnapshotID())

	lines := testutil.ReadCalls(t, s.calls)
	require.Len(t, lines, 3)
	assert.Equal(t, `-p C:\`, lines[0])
	assert.Equal(t, "-el="+testutil.DefaultSnapshotID+","+o.mountPoint, lines[1])
	assert.Equal(t, "-ds="+testutil.DefaultSnapshotID, lines[2])
}

func TestSession_CreationFails(t *testing.T) {
	s := newFakeSession(t)
	t.Setenv(testutil.FakeVShadowCreateExitEnv, "2")

	require.NoError(t, s.Start(`C:\`))
	o := waitOutcome(t, s.events)

	require.False(t, o.ready)
	assert.Contains(t, o.text, "could not be created")
	assert.Contains(t, o.text, "COM call failed")
	assert.Equal(t, Aborted, s.State())

	// no identifier, nothing to tear down
	lines := testutil.ReadCalls(t, s.calls)
	assert.Equal(t, 0, countPrefix(lines, "-ds="))
}

// A mount failure must tear the created snapshot down exactly once,
// however often the owner disposes afterwards.
func TestSession_MountFails(t *testing.T) {
	s := newFakeSession(t)
	t.Setenv(testutil.FakeVShadowMountExitEnv, "1")

	require.NoError(t, s.Start(`D:\`))
	o := waitOutcome(t, s.events)

	require.False(t, o.ready)
	assert.Contains(t, o.text, "could not be mounted")
	assert.Contains(t, o.text, "the snapshot could not be exposed")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispose()
		}()
	}
	wg.Wait()

	lines := testutil.ReadCalls(t, s.calls)
	assert.Equal(t, 1, countPrefix(lines, "-ds="+testutil.DefaultSnapshotID))
	assert.Equal(t, Aborted, s.State())

	entries, err := os.ReadDir(s.mounts)
	require.NoError(t, err)
	assert.Empty(t, entries, "mount point must be removed")

	select {
	case extra := <-s.events:
		t.Fatalf("second terminal notification: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_UnparseableOutput(t *testing.T) {
	s := newFakeSession(t)
	t.Setenv(testutil.FakeVShadowIDEnv, "not-a-guid")

	require.NoError(t, s.Start(`C:\`))
	o := waitOutcome(t, s.events)

	require.False(t, o.ready)
	assert.Contains(t, o.text, "could not be parsed")
}

func TestSession_LaunchFailure(t *testing.T) {
	s := NewSession(Tool{Path: filepath.Join(t.TempDir(), "vshadow64.exe")})

	var text string
	s.OnAborted(func(msg string) { text = msg })
	s.OnReady(func(string) { t.Error("ready must not fire") })

	// reported through the notification, not the return value
	require.NoError(t, s.Start(`C:\`))
	assert.Contains(t, text, "could not be created")
	assert.Equal(t, Aborted, s.State())
}

func TestSession_StartTwice(t *testing.T) {
	s := newFakeSession(t)
	require.NoError(t, s.Start(`C:\`))
	defer s.Dispose()

	assert.ErrorIs(t, s.Start(`C:\`), domain.ErrAlreadyStarted)
	waitOutcome(t, s.events)
}

func TestSession_StartRequiresVolume(t *testing.T) {
	s := NewSession(Tool{Path: "vshadow64.exe"})
	assert.ErrorIs(t, s.Start(""), domain.ErrSnapshot)
	assert.Equal(t, Uncreated, s.State())
}

func TestSession_DisposeBeforeStart(t *testing.T) {
	s := NewSession(Tool{Path: "vshadow64.exe"})
	s.Dispose()
	assert.Equal(t, Destroyed, s.State())
	assert.ErrorIs(t, s.Start(`C:\`), domain.ErrAlreadyStarted)
}

func TestParseSnapshotID(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"* SNAPSHOT ID = {6f8c0a4e-2a1b-4c3d-9e8f-0123456789ab} ...", "{6f8c0a4e-2a1b-4c3d-9e8f-0123456789ab}", true},
		{"* SNAPSHOT ID = 11111111-1111-1111-1111-111111111111", "11111111-1111-1111-1111-111111111111", true},
		{"* SNAPSHOT ID = {short}", "", false},
		{"* SNAPSHOT ID = zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz", "", false},
		{"- Snapshot set ID = {6f8c0a4e-2a1b-4c3d-9e8f-0123456789ab}", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseSnapshotID(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestFindSnapshotID_UsesLastLine(t *testing.T) {
	lines := []string{
		"* SNAPSHOT ID = 11111111-1111-1111-1111-111111111111",
		"other",
		"* SNAPSHOT ID = 22222222-2222-2222-2222-222222222222",
	}
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", findSnapshotID(lines))
	assert.Empty(t, findSnapshotID(nil))
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()

	_, err := Locate(dir, "")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	testutil.CreateTestFile(t, dir, "vshadow64.exe", []byte("x"))
	testutil.CreateTestFile(t, dir, "vshadow32.exe", []byte("x"))

	tool, err := Locate(dir, "")
	require.NoError(t, err)
	assert.Contains(t, []string{"vshadow64.exe", "vshadow32.exe"}, filepath.Base(tool.Path))

	override := testutil.CreateTestFile(t, dir, "custom.exe", []byte("x"))
	tool, err = Locate(dir, override)
	require.NoError(t, err)
	assert.Equal(t, override, tool.Path)

	_, err = Locate(dir, filepath.Join(dir, "missing.exe"))
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "mounted", Mounted.String())
	assert.Equal(t, "unknown", State(99).String())
}
