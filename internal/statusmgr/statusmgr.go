// Package statusmgr is the single mediator over Activation and
// RulebookProcess status writes (spec.md §4.1). Every status change in
// the orchestrator goes through here so the row lock and the transition
// table are never bypassed.
package statusmgr

import (
	"fmt"
	"time"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// ErrInvalidTransition is returned when a caller attempts a status
// change the table in transitions.go does not allow. Callers (chiefly
// the monitor) treat this as a no-op-and-log rather than a fatal error:
// it is what stops a monitor cycle racing a user-issued disable from
// overwriting an in-flight STOPPING with RUNNING (spec.md §9).
type ErrInvalidTransition struct {
	From, To eda.Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Manager is the status mediator, constructed once per worker and handed
// to every activation.Manager.
type Manager struct {
	store store.Store
}

// New constructs a Manager over st.
func New(st store.Store) *Manager {
	return &Manager{store: st}
}

// SetStatus updates Activation.status/status_message under a row lock,
// refusing a transition not present in the table.
func (m *Manager) SetStatus(activationID string, status eda.Status, message string) error {
	return m.store.WithActivationLock(activationID, func() error {
		a, err := m.store.GetActivation(activationID)
		if err != nil {
			return err
		}
		if !allowed(a.Status, status) {
			return &ErrInvalidTransition{From: a.Status, To: status}
		}

		prev := a.Status
		a.Status = status
		a.StatusMessage = message
		a.StatusUpdatedAt = time.Now()
		a.UpdatedAt = a.StatusUpdatedAt

		// Side effect hook (spec.md §4.1): leaving RUNNING/STARTING
		// clears any transient "current job" pointer held in
		// ruleset_stats.
		if (prev == eda.StatusRunning || prev == eda.StatusStarting) &&
			status != eda.StatusRunning && status != eda.StatusStarting {
			if a.RulesetStats != nil {
				delete(a.RulesetStats, "current_job_id")
			}
		}

		return m.store.UpdateActivation(a)
	})
}

// SetLatestInstanceStatus updates RulebookProcess.status/status_message
// under a row lock for the same discipline as SetStatus.
func (m *Manager) SetLatestInstanceStatus(processID string, status eda.Status, message string) error {
	return m.store.WithProcessLock(processID, func() error {
		p, err := m.store.GetProcess(processID)
		if err != nil {
			return err
		}
		if !allowed(p.Status, status) {
			return &ErrInvalidTransition{From: p.Status, To: status}
		}

		p.Status = status
		p.StatusMessage = message
		p.UpdatedAt = time.Now()

		if status.IsTerminal() {
			now := p.UpdatedAt
			p.EndedAt = &now
			// Invariant 6: a container-engine handle belongs to at
			// most one process; once terminal, clear it.
			p.ActivationPodID = ""
		}

		return m.store.UpdateProcess(p)
	})
}
