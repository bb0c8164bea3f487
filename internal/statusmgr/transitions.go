package statusmgr

import "github.com/ansible/rulebook-orchestrator/internal/eda"

// transitions is an explicit allow-list of status transitions (spec.md
// §9 design note), so a stray write from a racing monitor cycle cannot
// clobber an in-flight STOPPING with RUNNING. Both Activation and
// RulebookProcess share the same status vocabulary and the same table:
// the manager is the only caller of either, and drives both rows through
// the same lifecycle in lockstep.
var transitions = map[eda.Status]map[eda.Status]bool{
	eda.StatusPending: {
		eda.StatusStarting: true,
		eda.StatusPending:  true, // re-affirm "no capacity" message
		eda.StatusStopped:  true,
		eda.StatusError:    true, // start() validation failure
		eda.StatusDeleting: true,
	},
	eda.StatusStarting: {
		eda.StatusRunning:        true,
		eda.StatusCompleted:      true,
		eda.StatusFailed:         true,
		eda.StatusError:          true,
		eda.StatusStopping:       true,
		eda.StatusUnresponsive:   true,
		eda.StatusWorkersOffline: true,
		eda.StatusDeleting:       true,
	},
	eda.StatusRunning: {
		eda.StatusStopping:       true,
		eda.StatusCompleted:      true,
		eda.StatusFailed:         true,
		eda.StatusError:          true,
		eda.StatusUnresponsive:   true,
		eda.StatusWorkersOffline: true,
		eda.StatusRunning:        true, // idempotent re-affirm
		eda.StatusDeleting:       true,
	},
	eda.StatusStopping: {
		eda.StatusStopped:  true,
		eda.StatusError:    true, // preserve a prior ERROR, see activation.Manager.Stop
		eda.StatusDeleting: true,
	},
	eda.StatusStopped: {
		eda.StatusPending:  true,
		eda.StatusStarting: true,
		eda.StatusError:    true, // start() validation failure
		eda.StatusDeleting: true,
	},
	eda.StatusCompleted: {
		eda.StatusPending:  true, // restart-policy ALWAYS reschedule
		eda.StatusStarting: true,
		eda.StatusError:    true, // start() validation failure
		eda.StatusDeleting: true,
	},
	eda.StatusFailed: {
		eda.StatusPending:  true, // restart-policy reschedule
		eda.StatusStarting: true,
		eda.StatusError:    true, // start() validation failure
		eda.StatusDeleting: true,
	},
	eda.StatusError: {
		eda.StatusPending:  true,
		eda.StatusStarting: true,
		eda.StatusDeleting: true,
	},
	eda.StatusUnresponsive: {
		eda.StatusFailed:   true,
		eda.StatusStarting: true,
		eda.StatusDeleting: true,
	},
	eda.StatusWorkersOffline: {
		eda.StatusRunning:  true,
		eda.StatusStarting: true,
		eda.StatusStopped:  true,
		eda.StatusDeleting: true,
	},
	eda.StatusDeleting: {},
}

// allowed reports whether the from->to transition is in the table. The
// empty from (new row) is always allowed.
func allowed(from, to eda.Status) bool {
	if from == "" {
		return true
	}
	if from == to {
		// Re-affirming the same status (e.g. a monitor tick writing the
		// same status_message) is always safe.
		return true
	}
	m, ok := transitions[from]
	if !ok {
		return false
	}
	return m[to]
}
