package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	"github.com/ansible/rulebook-orchestrator/internal/logstore"
	"github.com/ansible/rulebook-orchestrator/internal/statusmgr"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

const validRulebook = "- name: rs\n  hosts: all\n  sources: []\n  rules: []\n"

type fakeEngine struct {
	startErr    error
	startKind   engine.Kind
	status      engine.EngineStatus
	statusErr   error
	cleanups    int
	startCalls  int
	updateCalls int

	lastUpdateHandle    string
	lastUpdateProcessID string
}

func (f *fakeEngine) Start(ctx context.Context, req *engine.ContainerRequest, logs engine.LogHandler) (string, error) {
	f.startCalls++
	if f.startErr != nil {
		return "", engine.NewError(f.startKind, "start failed", f.startErr)
	}
	return "handle-1", nil
}

func (f *fakeEngine) GetStatus(ctx context.Context, handle string) (engine.EngineStatus, error) {
	if f.statusErr != nil {
		return engine.EngineStatus{}, f.statusErr
	}
	return f.status, nil
}

// UpdateLogs delegates to the real log-sync algorithm (FetchLines below
// supplies one fixed line) instead of stubbing it out, so a test can
// confirm the processID argument — not handle — is what reaches the
// LogHandler's cursor bookkeeping.
func (f *fakeEngine) UpdateLogs(ctx context.Context, handle, processID string, logs engine.LogHandler) error {
	f.updateCalls++
	f.lastUpdateHandle = handle
	f.lastUpdateProcessID = processID
	return engine.SyncLogs(ctx, f, handle, processID, logs)
}

func (f *fakeEngine) FetchLines(ctx context.Context, handle string, since time.Time) ([]engine.LogLine, error) {
	if since.IsZero() {
		return []engine.LogLine{{Text: "booted handle=" + handle, Timestamp: time.Now()}}, nil
	}
	return nil, nil
}

func (f *fakeEngine) Cleanup(ctx context.Context, handle string, logs engine.LogHandler) error {
	f.cleanups++
	return nil
}

type fakeLogs struct{}

func (fakeLogs) Write(ctx context.Context, processID string, lines []engine.LogLine) error {
	return nil
}
func (fakeLogs) GetLogReadAt(ctx context.Context, processID string) (time.Time, error) {
	return time.Time{}, nil
}
func (fakeLogs) SetLogReadAt(ctx context.Context, processID string, t time.Time) error { return nil }
func (fakeLogs) Flush(ctx context.Context, processID string) error                     { return nil }

func newHarness(t *testing.T) (store.Store, *statusmgr.Manager, *fakeEngine, *config.Config) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sm := statusmgr.New(st)
	cfg := &config.Config{
		MaxRestartsOnFailure:   3,
		RestartDelayOnFailure:  time.Second,
		RestartDelayOnComplete: time.Second,
		ReadinessTimeout:       time.Minute,
		LivenessTimeout:        time.Minute,
		MaxRunningActivations:  -1,
		FlushAfter:             "1",
		LogLevel:               "-v",
		WebsocketBaseURL:       "ws://localhost:8000",
		WebsocketSSLVerify:     true,
	}
	return st, sm, &fakeEngine{status: engine.EngineStatus{Status: engine.StatusRunning}}, cfg
}

func baseActivation(id string) *eda.Activation {
	return &eda.Activation{
		ID:               id,
		Name:             id,
		IsEnabled:        true,
		Status:           eda.StatusPending,
		RestartPolicy:    eda.RestartOnFailure,
		DecisionEnvID:    "quay.io/ansible/de:latest",
		RulebookRulesets: validRulebook,
	}
}

func TestStartHappyPathCreatesRunningProcess(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	require.NoError(t, st.CreateActivation(baseActivation("a1")))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusStarting, a.Status)
	assert.NotEmpty(t, a.LatestProcessID)

	proc, err := st.GetProcess(a.LatestProcessID)
	require.NoError(t, err)
	assert.Equal(t, "handle-1", proc.ActivationPodID)
	assert.Equal(t, 1, eng.startCalls)
}

// TestStartStreamsInitialLogsKeyedByProcessIDNotHandle exercises the real
// engine->logstore seam: the engine's opaque handle ("handle-1" here,
// "rulebook-"+process.ID in production) must never be used as the
// logstore lookup key, only process.ID may be.
func TestStartStreamsInitialLogsKeyedByProcessIDNotHandle(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	require.NoError(t, st.CreateActivation(baseActivation("a1")))

	logs := logstore.New(st, "1")
	mgr := New(st, sm, eng, logs, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	proc, err := st.GetProcess(a.LatestProcessID)
	require.NoError(t, err)

	assert.Equal(t, "handle-1", eng.lastUpdateHandle)
	assert.Equal(t, proc.ID, eng.lastUpdateProcessID)
	assert.NotEqual(t, eng.lastUpdateHandle, eng.lastUpdateProcessID)

	lines, err := st.ListLogLines(proc.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Line, "handle=handle-1")

	readAt, err := logs.GetLogReadAt(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.False(t, readAt.IsZero())
}

func TestStartRejectsDisabledActivation(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	a := baseActivation("a1")
	a.IsEnabled = false
	require.NoError(t, st.CreateActivation(a))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	err := mgr.Start(context.Background(), false)
	assert.Error(t, err)
}

func TestStartSetsErrorStatusWhenValidationFails(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	a := baseActivation("a1")
	a.DecisionEnvID = ""
	require.NoError(t, st.CreateActivation(a))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	err := mgr.Start(context.Background(), false)
	assert.Error(t, err)

	got, getErr := st.GetActivation("a1")
	require.NoError(t, getErr)
	assert.Equal(t, eda.StatusError, got.Status)
}

func TestStartRespectsAdmissionControl(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	cfg.MaxRunningActivations = 0
	require.NoError(t, st.CreateActivation(baseActivation("a1")))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusPending, a.Status)
	assert.Empty(t, a.LatestProcessID)
}

func TestMonitorPromotesStartingToRunningOnFirstHeartbeat(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	require.NoError(t, st.CreateActivation(baseActivation("a1")))
	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	proc, err := st.GetProcess(a.LatestProcessID)
	require.NoError(t, err)
	proc.UpdatedAt = time.Now()
	require.NoError(t, st.UpdateProcess(proc))

	require.NoError(t, mgr.Monitor(context.Background()))

	a, err = st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusRunning, a.Status)
}

func TestMonitorSchedulesRestartOnCompletionWhenPolicyIsAlways(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	a := baseActivation("a1")
	a.RestartPolicy = eda.RestartAlways
	require.NoError(t, st.CreateActivation(a))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	got, err := st.GetActivation("a1")
	require.NoError(t, err)
	proc, err := st.GetProcess(got.LatestProcessID)
	require.NoError(t, err)
	proc.UpdatedAt = time.Now()
	proc.Status = eda.StatusRunning
	require.NoError(t, st.UpdateProcess(proc))
	require.NoError(t, sm.SetStatus("a1", eda.StatusRunning, "running"))

	eng.status = engine.EngineStatus{Status: engine.StatusCompleted}
	require.NoError(t, mgr.Monitor(context.Background()))

	got, err = st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusPending, got.Status)

	pending, err := st.ListPendingForActivation("a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, eda.RequestAutoStart, pending[0].Kind)
}

func TestMonitorReschedulesOnFailureUnderRestartCap(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	a := baseActivation("a1")
	a.RestartPolicy = eda.RestartOnFailure
	require.NoError(t, st.CreateActivation(a))
	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	got, err := st.GetActivation("a1")
	require.NoError(t, err)
	proc, err := st.GetProcess(got.LatestProcessID)
	require.NoError(t, err)
	proc.Status = eda.StatusRunning
	require.NoError(t, st.UpdateProcess(proc))
	require.NoError(t, sm.SetStatus("a1", eda.StatusRunning, "running"))

	eng.status = engine.EngineStatus{Status: engine.StatusFailed, Message: "boom"}
	require.NoError(t, mgr.Monitor(context.Background()))

	got, err = st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusPending, got.Status)
	assert.Equal(t, 1, got.FailureCount)

	pending, err := st.ListPendingForActivation("a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, eda.RequestAutoStart, pending[0].Kind)
}

// TestMonitorStopsReschedulingAfterMaxRestarts drives three consecutive
// FAILED cycles with MaxRestartsOnFailure=2: the original's
// _fail_instance (activation_manager.py:639) grants exactly MAX restarts
// and goes terminal on the MAX+1'th failure, with FailureCount==3 at that
// point (not 2) — a MAX=0 scenario can't distinguish this from an
// off-by-one in the increment/compare order, so this asserts the full
// three-step progression instead.
func TestMonitorStopsReschedulingAfterMaxRestarts(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	cfg.MaxRestartsOnFailure = 2
	a := baseActivation("a1")
	a.RestartPolicy = eda.RestartOnFailure
	require.NoError(t, st.CreateActivation(a))
	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")

	driveOneFailure := func() *eda.Activation {
		// The queue worker deletes each request it processes; mirror that
		// for the AUTO_START the previous failure queued before starting again.
		queued, err := st.ListPendingForActivation("a1")
		require.NoError(t, err)
		for _, r := range queued {
			require.NoError(t, st.DeleteRequest(r.ID))
		}
		require.NoError(t, mgr.Start(context.Background(), false))
		got, err := st.GetActivation("a1")
		require.NoError(t, err)
		proc, err := st.GetProcess(got.LatestProcessID)
		require.NoError(t, err)
		proc.Status = eda.StatusRunning
		require.NoError(t, st.UpdateProcess(proc))
		require.NoError(t, sm.SetStatus("a1", eda.StatusRunning, "running"))

		eng.status = engine.EngineStatus{Status: engine.StatusFailed, Message: "boom"}
		require.NoError(t, mgr.Monitor(context.Background()))

		got, err = st.GetActivation("a1")
		require.NoError(t, err)
		return got
	}

	got := driveOneFailure()
	assert.Equal(t, eda.StatusPending, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	pending, err := st.ListPendingForActivation("a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got = driveOneFailure()
	assert.Equal(t, eda.StatusPending, got.Status)
	assert.Equal(t, 2, got.FailureCount)
	pending, err = st.ListPendingForActivation("a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got = driveOneFailure()
	assert.Equal(t, eda.StatusFailed, got.Status)
	assert.Equal(t, 3, got.FailureCount)
	pending, err = st.ListPendingForActivation("a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCommandLineIncludesWebsocketHandshakeArgs(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	cfg.WebsocketBaseURL = "wss://eda.example.com"
	cfg.WebsocketSSLVerify = false
	cfg.LivenessCheckPeriod = 45 * time.Second
	require.NoError(t, st.CreateActivation(baseActivation("a1")))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	args := mgr.commandLine(&eda.RulebookProcess{ID: "proc-1"})

	assert.Contains(t, args, "--id")
	assert.Contains(t, args, "proc-1")
	assert.Contains(t, args, "--websocket-address")
	assert.Contains(t, args, "wss://eda.example.com/api/eda/ws/ansible-rulebook")
	assert.Contains(t, args, "--websocket-ssl-verify")
	assert.Contains(t, args, "false")
	assert.Contains(t, args, "--heartbeat")
	assert.Contains(t, args, "45")
}

func TestStopOnNeverStartedActivationIsIdempotent(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	require.NoError(t, st.CreateActivation(baseActivation("a1")))

	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Stop(context.Background()))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusStopped, a.Status)
}

func TestStopCleansUpRunningProcess(t *testing.T) {
	st, sm, eng, cfg := newHarness(t)
	require.NoError(t, st.CreateActivation(baseActivation("a1")))
	mgr := New(st, sm, eng, fakeLogs{}, cfg, "a1", "queue-a")
	require.NoError(t, mgr.Start(context.Background(), false))

	require.NoError(t, mgr.Stop(context.Background()))

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusStopped, a.Status)
	assert.Equal(t, 1, eng.cleanups)
}
