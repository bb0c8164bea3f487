package statusmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		from eda.Status
		to   eda.Status
		want bool
	}{
		{"new row always allowed", "", eda.StatusStarting, true},
		{"re-affirm same status", eda.StatusRunning, eda.StatusRunning, true},
		{"starting to running", eda.StatusStarting, eda.StatusRunning, true},
		{"running to workers_offline", eda.StatusRunning, eda.StatusWorkersOffline, true},
		{"running to unresponsive", eda.StatusRunning, eda.StatusUnresponsive, true},
		{"workers_offline to running", eda.StatusWorkersOffline, eda.StatusRunning, true},
		{"workers_offline to unresponsive is not a direct edge", eda.StatusWorkersOffline, eda.StatusUnresponsive, false},
		{"deleting is terminal", eda.StatusDeleting, eda.StatusPending, false},
		{"stopped to running skips starting", eda.StatusStopped, eda.StatusRunning, false},
		{"any status to deleting", eda.StatusFailed, eda.StatusDeleting, true},
		{"completed to pending for restart-always", eda.StatusCompleted, eda.StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, allowed(tt.from, tt.to))
		})
	}
}

func TestAllowedUnknownFromStatusRejected(t *testing.T) {
	assert.False(t, allowed(eda.Status("bogus"), eda.StatusRunning))
}
