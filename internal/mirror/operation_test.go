package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/robomirror/internal/dispatch"
	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/progress"
	"github.com/Ning0612/robomirror/internal/robocopy"
	"github.com/Ning0612/robomirror/internal/snapshot"
	"github.com/Ning0612/robomirror/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeToolIfRequested()
	os.Exit(m.Run())
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder implements every collaborator of an operation
type recorder struct {
	mu sync.Mutex

	confirmChanges bool
	confirmAbort   bool
	logErr         error

	summaries  []Summary
	abortAsked int
	errors     []string
	outcomes   []string
	severities []domain.Severity
	phases     []progress.Phase
	percents   []float64
}

func (r *recorder) ConfirmPendingChanges(s Summary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return r.confirmChanges
}

func (r *recorder) ConfirmAbort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortAsked++
	return r.confirmAbort
}

func (r *recorder) NotifyError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recorder) LogOutcome(taskID string, severity domain.Severity, message, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logErr != nil {
		return r.logErr
	}
	r.outcomes = append(r.outcomes, message)
	r.severities = append(r.severities, severity)
	return nil
}

func (r *recorder) Phase(phase progress.Phase, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *recorder) Percent(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
}

func (r *recorder) Error(err error) {}

func (r *recorder) notified() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

type harness struct {
	t     *testing.T
	root  string
	calls string
	task  *domain.MirrorTask
	rec   *recorder
	loop  *dispatch.Loop
	deps  Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	dirs := testutil.MakeDirs(t, root, "src", "dst", "mounts")
	calls := filepath.Join(root, "calls.txt")

	t.Setenv(testutil.FakeToolEnv, "1")
	t.Setenv(testutil.FakeCallsEnv, calls)

	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New()
	require.NoError(t, loop.Start(ctx))
	t.Cleanup(func() {
		loop.Close()
		cancel()
	})

	rec := &recorder{confirmChanges: true, confirmAbort: true}
	return &harness{
		t:     t,
		root:  root,
		calls: calls,
		task:  &domain.MirrorTask{ID: "task-1", Source: dirs[0], Target: dirs[1]},
		rec:   rec,
		loop:  loop,
		deps: Dependencies{
			Robocopy:    robocopy.Tool{Path: os.Args[0]},
			VShadow:     snapshot.Tool{Path: os.Args[0]},
			Options:     robocopy.Options{Switches: "/e"},
			SnapshotDir: dirs[2],
			Prompter:    rec,
			Reporter:    rec,
			Notifier:    rec,
			Outcomes:    rec,
			Logger:      &logger.NullLogger{},
			Now:         func() time.Time { return fixedNow },
		},
	}
}

func (h *harness) newOperation(dir domain.Direction) *Operation {
	return New(h.loop, h.task, dir, h.deps)
}

// start runs op.Start on the loop goroutine
func (h *harness) start(op *Operation, simulateFirst bool) error {
	h.t.Helper()
	var err error
	require.True(h.t, h.loop.Do(func() { err = op.Start(simulateFirst) }))
	return err
}

func (h *harness) wait(op *Operation) Result {
	h.t.Helper()
	select {
	case <-op.Done():
		return op.Result()
	case <-time.After(20 * time.Second):
		h.t.Fatalf("operation did not finish, state %s", op.State())
		return Result{}
	}
}

func (h *harness) robocopyCalls() []string {
	var out []string
	for _, line := range testutil.ReadCalls(h.t, h.calls) {
		if !strings.HasPrefix(line, "-") {
			out = append(out, line)
		}
	}
	return out
}

func (h *harness) teardowns() int {
	n := 0
	for _, line := range testutil.ReadCalls(h.t, h.calls) {
		if strings.HasPrefix(line, "-ds=") {
			n++
		}
	}
	return n
}

func TestOperation_BackupWithoutSimulation(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "3")

	op := h.newOperation(domain.Forward)
	var finished int
	op.OnFinished(func(Result) { finished++ })

	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.True(t, res.Success)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Classification.Code)
	assert.Equal(t, 3, res.Summary.Transfers)
	assert.Equal(t, Finished, op.State())

	require.NotNil(t, h.task.LastOperation)
	assert.Equal(t, fixedNow, *h.task.LastOperation)

	require.Len(t, h.rec.outcomes, 1)
	assert.Equal(t, domain.SeverityInfo, h.rec.severities[0])
	assert.Contains(t, h.rec.outcomes[0], "Success:")
	assert.Contains(t, h.rec.outcomes[0], robocopy.QuotePath(h.task.Source))

	calls := h.robocopyCalls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0], "/l")
	assert.Empty(t, h.rec.summaries, "no prompt without a simulation")

	require.True(t, h.loop.Do(func() {}))
	assert.Equal(t, 1, finished)
}

func TestOperation_SimulationDeclined(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "2")
	h.rec.confirmChanges = false

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, true))
	res := h.wait(op)

	assert.False(t, res.Success)
	assert.False(t, res.Completed)
	assert.Nil(t, h.task.LastOperation)

	require.Len(t, h.rec.summaries, 1)
	assert.Equal(t, 2, h.rec.summaries[0].Transfers)
	assert.Equal(t, h.task.Source, h.rec.summaries[0].Source)

	calls := h.robocopyCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasSuffix(calls[0], " /l"), "only the dry run may run: %s", calls[0])
	assert.Empty(t, h.rec.outcomes, "declined runs are not logged")
}

func TestOperation_SimulationThenRealPass(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "5")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, true))
	res := h.wait(op)

	assert.True(t, res.Success)
	assert.True(t, res.Completed)

	calls := h.robocopyCalls()
	require.Len(t, calls, 2)
	assert.True(t, strings.HasSuffix(calls[0], " /l"))
	assert.False(t, strings.HasSuffix(calls[1], " /l"))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.NotEmpty(t, h.rec.percents)
	last := 0.0
	for _, p := range h.rec.percents {
		assert.GreaterOrEqual(t, p, last, "progress must not decrease")
		assert.LessOrEqual(t, p, 100.0)
		last = p
	}
	assert.Equal(t, 100.0, last)
	assert.Equal(t, []progress.Phase{progress.PhaseAnalyzing, progress.PhaseMirroring, progress.PhaseFinished}, h.rec.phases)
}

func TestOperation_FatalSimulation(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyExitEnv, "16")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, true))
	res := h.wait(op)

	assert.False(t, res.Success)
	assert.True(t, res.Classification.Has(domain.ExitFatalError))
	assert.Empty(t, h.rec.summaries, "a fatal simulation is not confirmed")
	assert.Contains(t, h.rec.notified(), "A fatal Robocopy error has occurred.")
	assert.Len(t, h.robocopyCalls(), 1)
}

func TestOperation_CopyErrors(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "1")
	t.Setenv(testutil.FakeRobocopyFailedEnv, "2")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.False(t, res.Success)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Summary.Errors)
	assert.Nil(t, h.task.LastOperation)
	require.Len(t, h.rec.severities, 1)
	assert.Equal(t, domain.SeverityError, h.rec.severities[0])
}

func TestOperation_MismatchIsSuccess(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyExitEnv, "4")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.True(t, res.Success)
	require.Len(t, h.rec.severities, 1)
	assert.Equal(t, domain.SeverityWarning, h.rec.severities[0])
	assert.NotNil(t, h.task.LastOperation)
}

func TestOperation_RestoreKeepsTimestamp(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "1")

	op := h.newOperation(domain.Reverse)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.True(t, res.Success)
	assert.Nil(t, h.task.LastOperation)

	calls := h.robocopyCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0], h.task.Target+" "+h.task.Source), "restore swaps the folders: %s", calls[0])
}

func TestOperation_OutcomeLogFailureKeepsResult(t *testing.T) {
	h := newHarness(t)
	h.rec.logErr = errors.New("disk full")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.True(t, res.Success)
	assert.NotNil(t, h.task.LastOperation)

	notified := h.rec.notified()
	require.Len(t, notified, 1)
	assert.True(t, strings.HasPrefix(notified[0], "The mirror operation could not be logged."))
	assert.Contains(t, notified[0], "disk full")
}

func TestOperation_AbortDuringRealPass(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "1")
	t.Setenv(testutil.FakeRobocopyDelayEnv, "30s")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	require.Equal(t, Copying, op.State())

	var killed bool
	require.True(t, h.loop.Do(func() { killed = op.Abort() }))
	assert.True(t, killed)

	res := h.wait(op)
	assert.False(t, res.Success)
	assert.True(t, res.Classification.Aborted)
	assert.Nil(t, h.task.LastOperation)
	assert.Equal(t, 1, h.rec.abortAsked)

	require.Len(t, h.rec.outcomes, 1)
	assert.Contains(t, h.rec.outcomes[0], "Operation aborted")
}

func TestOperation_AbortDuringSimulation(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyDelayEnv, "30s")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, true))
	require.Equal(t, Simulating, op.State())

	var killed bool
	require.True(t, h.loop.Do(func() { killed = op.Abort() }))
	assert.True(t, killed)

	res := h.wait(op)
	assert.False(t, res.Success)
	assert.True(t, res.Classification.Aborted)
	assert.Equal(t, 1, h.rec.abortAsked)
	assert.Empty(t, h.rec.summaries, "an aborted simulation asks for no confirmation")
	assert.Nil(t, h.task.LastOperation)

	calls := h.robocopyCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasSuffix(calls[0], " /l"), "no real pass after an aborted simulation: %s", calls[0])
}

func TestOperation_AbortWhileAwaitingSnapshot(t *testing.T) {
	h := newHarness(t)
	h.task.UseVolumeShadowCopy = true
	t.Setenv(testutil.FakeVShadowDelayEnv, "30s")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	require.Equal(t, AwaitingSnapshot, op.State())

	var killed bool
	require.True(t, h.loop.Do(func() { killed = op.Abort() }))
	assert.True(t, killed)

	res := h.wait(op)
	assert.False(t, res.Success)
	assert.False(t, res.Completed)
	assert.True(t, res.Classification.Aborted)
	assert.Equal(t, 1, h.rec.abortAsked)
	assert.Nil(t, h.task.LastOperation)

	assert.Empty(t, h.robocopyCalls(), "robocopy never starts")
	assert.Zero(t, h.teardowns(), "no snapshot was created, nothing to tear down")
	entries, err := os.ReadDir(h.deps.SnapshotDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOperation_AbortDeclined(t *testing.T) {
	h := newHarness(t)
	t.Setenv(testutil.FakeRobocopyDelayEnv, "30s")
	h.rec.confirmAbort = false

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))

	var killed bool
	require.True(t, h.loop.Do(func() { killed = op.Abort() }))
	assert.False(t, killed)
	assert.Equal(t, Copying, op.State())

	require.True(t, h.loop.Do(op.Dispose))
	res := h.wait(op)
	assert.False(t, res.Success)
	assert.True(t, res.Classification.Aborted)
}

func TestOperation_AbortWhenIdle(t *testing.T) {
	h := newHarness(t)
	op := h.newOperation(domain.Forward)

	var killed bool
	require.True(t, h.loop.Do(func() { killed = op.Abort() }))
	assert.False(t, killed)
	assert.Equal(t, 0, h.rec.abortAsked, "nothing to abort, nobody is asked")
}

func TestOperation_StartTwice(t *testing.T) {
	h := newHarness(t)
	op := h.newOperation(domain.Forward)

	require.NoError(t, h.start(op, false))
	assert.ErrorIs(t, h.start(op, false), domain.ErrAlreadyStarted)
	h.wait(op)
}

func TestOperation_MissingSource(t *testing.T) {
	h := newHarness(t)
	h.task.Source = filepath.Join(h.root, "missing")

	op := h.newOperation(domain.Forward)
	err := h.start(op, false)
	assert.ErrorIs(t, err, domain.ErrSourceNotFound)

	res := h.wait(op)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrSourceNotFound)
	assert.Len(t, h.rec.notified(), 1)
	assert.Empty(t, h.robocopyCalls())
}

func TestOperation_SnapshotBackup(t *testing.T) {
	h := newHarness(t)
	h.task.UseVolumeShadowCopy = true
	t.Setenv(testutil.FakeRobocopyCopiedEnv, "1")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.True(t, res.Success)
	assert.NotNil(t, h.task.LastOperation)
	assert.Equal(t, []progress.Phase{progress.PhasePreparing, progress.PhaseMirroring, progress.PhaseFinished}, h.rec.phases)

	calls := h.robocopyCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0], h.deps.SnapshotDir), "source must be read through the snapshot: %s", calls[0])
	assert.Equal(t, 1, h.teardowns())

	entries, err := os.ReadDir(h.deps.SnapshotDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "mount point must be removed")
}

func TestOperation_SnapshotMountFails(t *testing.T) {
	h := newHarness(t)
	h.task.UseVolumeShadowCopy = true
	t.Setenv(testutil.FakeVShadowMountExitEnv, "1")

	op := h.newOperation(domain.Forward)
	require.NoError(t, h.start(op, false))
	res := h.wait(op)

	assert.False(t, res.Success)
	assert.False(t, res.Completed)
	var se *domain.SnapshotError
	require.ErrorAs(t, res.Err, &se)
	assert.Contains(t, se.Text, "could not be mounted")

	notified := h.rec.notified()
	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], "the snapshot could not be exposed")

	require.True(t, h.loop.Do(op.Dispose))
	assert.Empty(t, h.robocopyCalls())
	assert.Equal(t, 1, h.teardowns())
	assert.Nil(t, h.task.LastOperation)
}

func TestOperation_SnapshotWithoutVShadow(t *testing.T) {
	h := newHarness(t)
	h.task.UseVolumeShadowCopy = true
	h.deps.VShadow = snapshot.Tool{}

	op := h.newOperation(domain.Forward)
	err := h.start(op, false)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
	assert.False(t, h.wait(op).Success)
}

func TestOperation_DisposeBeforeStart(t *testing.T) {
	h := newHarness(t)
	op := h.newOperation(domain.Forward)

	require.True(t, h.loop.Do(op.Dispose))
	res := h.wait(op)
	assert.False(t, res.Success)
	assert.True(t, res.Classification.Aborted)

	// disposing twice is harmless
	require.True(t, h.loop.Do(op.Dispose))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting snapshot", AwaitingSnapshot.String())
	assert.Equal(t, "unknown", State(99).String())
}
