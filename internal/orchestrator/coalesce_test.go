package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

func req(kind eda.RequestKind, activationID string, offset time.Duration) *eda.ActivationRequest {
	return &eda.ActivationRequest{
		ID:         activationID + "-" + string(kind),
		Kind:       kind,
		ParentID:   activationID,
		InsertedAt: time.Unix(0, 0).Add(offset),
	}
}

func kinds(reqs []*eda.ActivationRequest) []eda.RequestKind {
	out := make([]eda.RequestKind, len(reqs))
	for i, r := range reqs {
		out[i] = r.Kind
	}
	return out
}

func TestCoalesceDropsEverythingAfterALeadingDelete(t *testing.T) {
	reqs := []*eda.ActivationRequest{
		req(eda.RequestDelete, "a1", 0),
		req(eda.RequestStart, "a1", time.Second),
		req(eda.RequestStop, "a1", 2*time.Second),
	}
	out := coalesce(reqs)
	assert.Equal(t, []eda.RequestKind{eda.RequestDelete}, kinds(out))
}

func TestCoalesceCollapsesAdjacentStartClassRequests(t *testing.T) {
	reqs := []*eda.ActivationRequest{
		req(eda.RequestStart, "a1", 0),
		req(eda.RequestAutoStart, "a1", time.Second),
		req(eda.RequestStart, "a1", 2*time.Second),
	}
	out := coalesce(reqs)
	assert.Equal(t, []eda.RequestKind{eda.RequestStart}, kinds(out))
	assert.Equal(t, "a1-start", out[0].ID)
}

func TestCoalesceLeavesStopThenStartUntouched(t *testing.T) {
	reqs := []*eda.ActivationRequest{
		req(eda.RequestStop, "a1", 0),
		req(eda.RequestStart, "a1", time.Second),
	}
	out := coalesce(reqs)
	assert.Equal(t, []eda.RequestKind{eda.RequestStop, eda.RequestStart}, kinds(out))
}

func TestCoalesceKeepsActivationsIndependent(t *testing.T) {
	reqs := []*eda.ActivationRequest{
		req(eda.RequestDelete, "a1", 0),
		req(eda.RequestStart, "a2", time.Second),
	}
	out := coalesce(reqs)
	assert.Len(t, out, 2)
}

func TestCoalesceOutputIsOrderedByInsertedAt(t *testing.T) {
	reqs := []*eda.ActivationRequest{
		req(eda.RequestStart, "a2", 5*time.Second),
		req(eda.RequestStart, "a1", time.Second),
	}
	out := coalesce(reqs)
	assert.Equal(t, "a1", out[0].ParentID)
	assert.Equal(t, "a2", out[1].ParentID)
}
