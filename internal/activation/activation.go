// Package activation implements the per-activation lifecycle state
// machine (spec.md §4.3). A Manager is short-lived: one is constructed
// per dispatched request, parameterized by an activation id and a
// container engine, and discarded after the request completes — mirroring
// the teacher's pattern of a fresh task-scoped worker goroutine per
// container (pkg/worker.Worker.executeContainer) rather than a
// long-lived per-activation object.
package activation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	applog "github.com/ansible/rulebook-orchestrator/internal/log"
	"github.com/ansible/rulebook-orchestrator/internal/rulebook"
	"github.com/ansible/rulebook-orchestrator/internal/statusmgr"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// MonitorError reports an invariant violation discovered during
// monitor() (spec.md §4.3.1 step 6's "raise MonitorError" case) — an
// engine-reported STOPPED when the manager never requested a stop.
// Monitor does not return it: engine.Status has no stopped value, and
// Monitor ignores engine statuses it does not recognize.
type MonitorError struct {
	ActivationID string
	Reason       string
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("monitor invariant violation for activation %s: %s", e.ActivationID, e.Reason)
}

// Manager drives one activation's lifecycle operations against a single
// container engine backend and worker queue.
type Manager struct {
	store     store.Store
	status    *statusmgr.Manager
	engine    engine.ContainerEngine
	logs      engine.LogHandler
	cfg       *config.Config
	queueName string

	activationID string
	log          zerolog.Logger
}

// New constructs a Manager for activationID, bound to queueName (the
// worker queue this manager instance is running on).
func New(st store.Store, sm *statusmgr.Manager, eng engine.ContainerEngine, logs engine.LogHandler, cfg *config.Config, activationID, queueName string) *Manager {
	return &Manager{
		store:        st,
		status:       sm,
		engine:       eng,
		logs:         logs,
		cfg:          cfg,
		queueName:    queueName,
		activationID: activationID,
		log:          applog.WithActivation(applog.WithComponent("activation"), activationID),
	}
}

// Start implements spec.md §4.3.1's start(is_restart).
func (m *Manager) Start(ctx context.Context, isRestart bool) error {
	a, err := m.store.GetActivation(m.activationID)
	if err != nil {
		return err
	}

	if !a.IsEnabled {
		return fmt.Errorf("activation %s is disabled", a.ID)
	}
	if a.Status == eda.StatusStarting || a.Status == eda.StatusDeleting {
		return fmt.Errorf("activation %s already %s", a.ID, a.Status)
	}
	if err := m.validate(a); err != nil {
		_ = m.status.SetStatus(a.ID, eda.StatusError, err.Error())
		return err
	}

	// Step 2: idempotent if the latest process is already running.
	if a.LatestProcessID != "" {
		if proc, err := m.store.GetProcess(a.LatestProcessID); err == nil {
			if st, statusErr := m.engine.GetStatus(ctx, proc.ActivationPodID); statusErr == nil && st.Status == engine.StatusRunning {
				return nil
			}
		}
	}

	// Step 3: clean up any stale non-terminal, non-running processes.
	if err := m.cleanupStaleProcesses(ctx, a); err != nil {
		m.log.Warn().Err(err).Msg("failed to clean up stale processes")
	}

	// Step 4: admission control, computed fresh from the store (never
	// cached in-memory, per spec.md §5).
	if m.cfg.MaxRunningActivations >= 0 {
		running, err := m.store.ListProcessesByQueue(m.queueName, []eda.Status{eda.StatusRunning, eda.StatusStarting})
		if err != nil {
			return err
		}
		if len(running) >= m.cfg.MaxRunningActivations {
			return m.status.SetStatus(a.ID, eda.StatusPending, "no capacity on worker queue, will retry")
		}
	}

	// Step 5: new process row, pinned to this queue, set as latest.
	process := &eda.RulebookProcess{
		ID:           uuid.NewString(),
		ActivationID: a.ID,
		Status:       eda.StatusStarting,
		StartedAt:    time.Now(),
	}
	if err := m.store.CreateProcess(process); err != nil {
		return err
	}
	if err := m.store.PinProcessQueue(process.ID, m.queueName); err != nil {
		return err
	}
	a.LatestProcessID = process.ID
	a.UpdatedAt = time.Now()
	if err := m.store.UpdateActivation(a); err != nil {
		return err
	}
	if err := m.status.SetStatus(a.ID, eda.StatusStarting, "starting rulebook process"); err != nil {
		return err
	}
	// Re-read so later writes of a keep the STARTING status just set.
	if a, err = m.store.GetActivation(a.ID); err != nil {
		return err
	}

	// Step 6: build the backend-agnostic container request.
	req, err := m.buildContainerRequest(a, process)
	if err != nil {
		_ = m.status.SetLatestInstanceStatus(process.ID, eda.StatusError, err.Error())
		_ = m.status.SetStatus(a.ID, eda.StatusError, err.Error())
		return err
	}

	// Step 7: start. Image-pull/login failures are retryable through
	// restart policy, not fatal.
	handle, err := m.engine.Start(ctx, req, m.logs)
	if err != nil {
		kind := engine.KindOf(err)
		if kind == engine.KindImagePull || kind == engine.KindLogin {
			return m.applyFailurePolicy(a, process, err.Error())
		}
		_ = m.status.SetLatestInstanceStatus(process.ID, eda.StatusError, err.Error())
		_ = m.status.SetStatus(a.ID, eda.StatusError, err.Error())
		return err
	}

	// Step 8: persist the handle, stream initial logs, bump restart count.
	process.ActivationPodID = handle
	process.StartedAt = time.Now()
	if err := m.store.UpdateProcess(process); err != nil {
		return err
	}
	if err := m.engine.UpdateLogs(ctx, handle, process.ID, m.logs); err != nil {
		m.log.Warn().Err(err).Msg("failed to stream initial logs")
	}
	if isRestart {
		a.RestartCount++
		a.UpdatedAt = time.Now()
		if err := m.store.UpdateActivation(a); err != nil {
			return err
		}
	}

	return nil
}

// Stop implements spec.md §4.3.1's stop().
func (m *Manager) Stop(ctx context.Context) error {
	a, err := m.store.GetActivation(m.activationID)
	if err != nil {
		return err
	}

	if err := m.store.CancelPendingRestarts(a.ID); err != nil {
		m.log.Warn().Err(err).Msg("failed to cancel pending restarts during stop")
	}

	if a.LatestProcessID == "" {
		return m.status.SetStatus(a.ID, eda.StatusStopped, "no process to stop")
	}

	process, err := m.store.GetProcess(a.LatestProcessID)
	if err != nil {
		return m.status.SetStatus(a.ID, eda.StatusStopped, "no process to stop")
	}
	if process.Status.IsTerminal() {
		return nil
	}

	if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusStopping, "stop requested"); err != nil {
		return err
	}
	if a.Status != eda.StatusError {
		// The table reaches STOPPED from STOPPING; WORKERS_OFFLINE refuses
		// STOPPING but goes to STOPPED directly, so a refusal is not fatal.
		if err := m.status.SetStatus(a.ID, eda.StatusStopping, "stop requested"); err != nil {
			m.log.Warn().Err(err).Msg("could not mark activation stopping, continuing")
		}
	}
	if process.ActivationPodID != "" {
		if err := m.engine.Cleanup(ctx, process.ActivationPodID, m.logs); err != nil && engine.KindOf(err) != engine.KindNotFound {
			m.log.Warn().Err(err).Msg("cleanup during stop returned an error, continuing best-effort")
		}
	}
	if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusStopped, "stopped"); err != nil {
		return err
	}

	if a.Status == eda.StatusError {
		return nil
	}
	return m.status.SetStatus(a.ID, eda.StatusStopped, "stop requested by user")
}

// Restart implements spec.md §4.3.1's restart(): stop, then schedule a
// delayed AUTO_START.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	if err := m.scheduleRestart(m.activationID, time.Second); err != nil {
		return err
	}
	return m.status.SetStatus(m.activationID, eda.StatusPending, "restart scheduled")
}

// Delete implements spec.md §4.3.1's delete(): best-effort cleanup,
// cancellation of queued AUTO_STARTs, then removal of the activation row.
// The activation's process, log and queue-pin rows are not deleted.
func (m *Manager) Delete(ctx context.Context) error {
	a, err := m.store.GetActivation(m.activationID)
	if err != nil {
		return err
	}

	if a.LatestProcessID != "" {
		if process, err := m.store.GetProcess(a.LatestProcessID); err == nil && process.ActivationPodID != "" {
			if err := m.engine.Cleanup(ctx, process.ActivationPodID, m.logs); err != nil {
				m.log.Warn().Err(err).Msg("cleanup during delete returned an error, continuing best-effort")
			}
		}
	}

	if err := m.store.CancelPendingRestarts(a.ID); err != nil {
		m.log.Warn().Err(err).Msg("failed to cancel pending restarts during delete")
	}

	// Process/log rows are left in place for audit history; only the
	// activation row is removed here — spec.md §9 warns against relying
	// on a cascading delete for the weak Activation<->Process reference.
	return m.store.DeleteActivation(a.ID)
}

// Monitor implements spec.md §4.3.1's monitor() reconciliation step.
func (m *Manager) Monitor(ctx context.Context) error {
	a, err := m.store.GetActivation(m.activationID)
	if err != nil {
		return err
	}
	if a.Status != eda.StatusStarting && a.Status != eda.StatusRunning && a.Status != eda.StatusWorkersOffline {
		return nil
	}
	if a.LatestProcessID == "" {
		return nil
	}
	process, err := m.store.GetProcess(a.LatestProcessID)
	if err != nil || process.ActivationPodID == "" {
		return nil
	}

	// Step 1: disabled since last check → delegate to stop.
	if !a.IsEnabled {
		return m.Stop(ctx)
	}

	// Step 2: first heartbeat seen while STARTING → promote to RUNNING.
	if process.Status == eda.StatusStarting && !process.UpdatedAt.IsZero() {
		if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusRunning, "running"); err != nil {
			return err
		}
		if err := m.status.SetStatus(a.ID, eda.StatusRunning, "running"); err != nil {
			return err
		}
		// Re-read so the write below keeps the RUNNING status just set.
		if a, err = m.store.GetActivation(a.ID); err != nil {
			return err
		}
		a.FailureCount = 0
		a.UpdatedAt = time.Now()
		if err := m.store.UpdateActivation(a); err != nil {
			return err
		}
	}

	// Step 3: missing-container policy.
	engineStatus, err := m.engine.GetStatus(ctx, process.ActivationPodID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return m.applyMissingContainerPolicy(a, process)
		}
		return err
	}

	// Step 4: stream logs.
	if err := m.engine.UpdateLogs(ctx, process.ActivationPodID, process.ID, m.logs); err != nil {
		m.log.Warn().Err(err).Msg("failed to stream logs during monitor")
	}

	// Step 5: unresponsiveness detection.
	now := time.Now()
	readinessTimedOut := process.Status == eda.StatusStarting && !process.StartedAt.IsZero() && now.Sub(process.StartedAt) > m.cfg.ReadinessTimeout
	livenessTimedOut := (process.Status == eda.StatusRunning || process.Status == eda.StatusStarting) &&
		!process.UpdatedAt.IsZero() && now.Sub(process.UpdatedAt) > m.cfg.LivenessTimeout
	if readinessTimedOut || livenessTimedOut {
		return m.applyUnresponsivePolicy(a, process)
	}

	// Step 6: engine-reported terminal/ongoing states.
	switch engineStatus.Status {
	case engine.StatusCompleted:
		_ = m.engine.Cleanup(ctx, process.ActivationPodID, m.logs)
		if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusCompleted, "completed"); err != nil {
			return err
		}
		// The transition table only allows RUNNING/STARTING -> COMPLETED
		// directly; a restart-always reschedule passes through COMPLETED
		// on its way to PENDING rather than skipping it.
		if err := m.status.SetStatus(a.ID, eda.StatusCompleted, "completed"); err != nil {
			return err
		}
		if a.RestartPolicy == eda.RestartAlways {
			if err := m.scheduleRestart(a.ID, m.cfg.RestartDelayOnComplete); err != nil {
				return err
			}
			return m.status.SetStatus(a.ID, eda.StatusPending, "restart scheduled after completion")
		}
		return nil

	case engine.StatusFailed:
		_ = m.engine.Cleanup(ctx, process.ActivationPodID, m.logs)
		return m.applyFailurePolicy(a, process, engineStatus.Message)

	case engine.StatusRunning:
		if a.Status == eda.StatusWorkersOffline {
			return m.status.SetStatus(a.ID, eda.StatusRunning, "worker queue reachable again")
		}
		return nil

	case engine.StatusError:
		_ = m.engine.Cleanup(ctx, process.ActivationPodID, m.logs)
		if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusError, engineStatus.Message); err != nil {
			return err
		}
		return m.status.SetStatus(a.ID, eda.StatusError, engineStatus.Message)

	default:
		return nil
	}
}

func (m *Manager) applyMissingContainerPolicy(a *eda.Activation, process *eda.RulebookProcess) error {
	if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusFailed, "container missing from engine"); err != nil {
		return err
	}
	if a.RestartPolicy != eda.RestartNever {
		if err := m.scheduleRestart(a.ID, time.Second); err != nil {
			return err
		}
	}
	return m.status.SetStatus(a.ID, eda.StatusFailed, "container missing from engine")
}

func (m *Manager) applyUnresponsivePolicy(a *eda.Activation, process *eda.RulebookProcess) error {
	if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusFailed, "unresponsive"); err != nil {
		return err
	}
	if a.RestartPolicy == eda.RestartNever {
		return m.status.SetStatus(a.ID, eda.StatusFailed, "unresponsive")
	}
	if err := m.status.SetStatus(a.ID, eda.StatusFailed, "unresponsive"); err != nil {
		return err
	}
	return m.scheduleRestart(a.ID, time.Second)
}

// applyFailurePolicy implements spec.md §4.3.2's ON_FAILURE/ALWAYS
// restart cap. Used for both engine-start image-pull/login failures and
// monitor-detected FAILED states — the single place FailureCount is
// incremented, matching the original _fail_instance's "check the
// pre-increment count against the cap, then increment unconditionally"
// order (activation_manager.py's failure_count >= MAX_RESTARTS check
// happens before the increment, so MAX restarts are granted and the
// (MAX+1)th failure is terminal, not the MAXth).
func (m *Manager) applyFailurePolicy(a *eda.Activation, process *eda.RulebookProcess, message string) error {
	if process != nil {
		if err := m.status.SetLatestInstanceStatus(process.ID, eda.StatusFailed, message); err != nil {
			return err
		}
	}

	exceededCap := a.FailureCount >= m.cfg.MaxRestartsOnFailure
	a.FailureCount++
	a.UpdatedAt = time.Now()
	if err := m.store.UpdateActivation(a); err != nil {
		return err
	}

	switch a.RestartPolicy {
	case eda.RestartNever:
		return m.status.SetStatus(a.ID, eda.StatusFailed, message)
	case eda.RestartOnFailure, eda.RestartAlways:
		if !exceededCap {
			// The transition table has no direct RUNNING/STARTING ->
			// PENDING edge; pass through FAILED first, as the
			// RestartNever branch above does.
			if err := m.status.SetStatus(a.ID, eda.StatusFailed, message); err != nil {
				return err
			}
			if err := m.scheduleRestart(a.ID, m.cfg.RestartDelayOnFailure); err != nil {
				return err
			}
			return m.status.SetStatus(a.ID, eda.StatusPending,
				fmt.Sprintf("restart %d/%d scheduled after failure: %s", a.FailureCount, m.cfg.MaxRestartsOnFailure, message))
		}
		return m.status.SetStatus(a.ID, eda.StatusFailed,
			fmt.Sprintf("max restarts (%d) exceeded: %s", m.cfg.MaxRestartsOnFailure, message))
	default:
		return m.status.SetStatus(a.ID, eda.StatusFailed, message)
	}
}

func (m *Manager) scheduleRestart(activationID string, delay time.Duration) error {
	return m.store.Enqueue(&eda.ActivationRequest{
		ID:         uuid.NewString(),
		Kind:       eda.RequestAutoStart,
		ParentID:   activationID,
		ParentType: eda.ParentTypeActivation,
		QueueName:  m.queueName,
		NotBefore:  time.Now().Add(delay),
		InsertedAt: time.Now(),
	})
}

func (m *Manager) cleanupStaleProcesses(ctx context.Context, a *eda.Activation) error {
	processes, err := m.store.ListProcessesByActivation(a.ID)
	if err != nil {
		return err
	}
	for _, p := range processes {
		if p.ID == a.LatestProcessID {
			continue
		}
		if p.Status.IsTerminal() || p.Status == eda.StatusRunning {
			continue
		}
		if p.ActivationPodID != "" {
			_ = m.engine.Cleanup(ctx, p.ActivationPodID, m.logs)
		}
		if err := m.status.SetLatestInstanceStatus(p.ID, eda.StatusStopped, "superseded by newer process"); err != nil {
			return err
		}
	}
	return nil
}

// validate implements spec.md §4.3.1 step 1's precondition checks.
func (m *Manager) validate(a *eda.Activation) error {
	if a.DecisionEnvID == "" {
		return fmt.Errorf("activation %s has no resolvable decision environment", a.ID)
	}
	for _, credID := range a.CredentialIDs {
		if credID == "" {
			return fmt.Errorf("activation %s has an unresolvable credential reference", a.ID)
		}
	}
	if a.RulebookRulesets == "" {
		return fmt.Errorf("activation %s has no rulebook", a.ID)
	}
	if _, err := rulebook.FindPorts(a.RulebookRulesets); err != nil {
		return fmt.Errorf("activation %s rulebook does not parse: %w", a.ID, err)
	}
	if a.RequiresAwxToken && a.AwxTokenID == "" {
		return fmt.Errorf("activation %s requires an AAP token but none is resolvable", a.ID)
	}
	return nil
}

// buildContainerRequest implements spec.md §4.3.1 step 6.
func (m *Manager) buildContainerRequest(a *eda.Activation, process *eda.RulebookProcess) (*engine.ContainerRequest, error) {
	ports, err := rulebook.FindPorts(a.RulebookRulesets)
	if err != nil {
		return nil, err
	}

	return &engine.ContainerRequest{
		Name:        "rulebook-" + process.ID,
		ImageURL:    a.DecisionEnvID,
		PullPolicy:  engine.PullIfNotPresent,
		CommandLine: m.commandLine(process),
		Ports:       ports,
		Env: map[string]string{
			"ANSIBLE_RULEBOOK_FLUSH_AFTER":   m.cfg.FlushAfter,
			"ANSIBLE_RULEBOOK_LOG_LEVEL":     m.cfg.LogLevel,
			"EDA_ORCHESTRATOR_PROCESS_ID":    process.ID,
			"EDA_ORCHESTRATOR_ACTIVATION_ID": a.ID,
		},
	}, nil
}

// commandLine builds the rulebook worker's invocation: the websocket
// address it dials back to for the §4.5 handshake, its own process id,
// and the configured log level. Mirrors the original
// AnsibleRulebookCmdLine.to_args.
func (m *Manager) commandLine(process *eda.RulebookProcess) []string {
	return []string{
		"ansible-rulebook",
		"--worker",
		"--id", process.ID,
		"--websocket-address", m.cfg.WebsocketBaseURL + "/api/eda/ws/ansible-rulebook",
		"--websocket-ssl-verify", strconv.FormatBool(m.cfg.WebsocketSSLVerify),
		"--heartbeat", strconv.Itoa(int(m.cfg.LivenessCheckPeriod.Seconds())),
		m.cfg.LogLevel,
	}
}
