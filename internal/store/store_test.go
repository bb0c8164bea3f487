package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestActivationRoundTrip(t *testing.T) {
	st := newTestStore(t)

	a := &eda.Activation{ID: "a1", Name: "fraud-detection", Status: eda.StatusPending, IsEnabled: true}
	require.NoError(t, st.CreateActivation(a))

	got, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, "fraud-detection", got.Name)

	byName, err := st.GetActivationByName("fraud-detection")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)

	got.Status = eda.StatusStarting
	require.NoError(t, st.UpdateActivation(got))
	got, err = st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, eda.StatusStarting, got.Status)

	require.NoError(t, st.DeleteActivation("a1"))
	_, err = st.GetActivation("a1")
	assert.Error(t, err)
}

func TestGetActivationNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetActivation("missing")
	assert.Error(t, err)
}

func TestQueueEnqueueAndListPendingRespectsNotBefore(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	require.NoError(t, st.Enqueue(&eda.ActivationRequest{ID: "r1", Kind: eda.RequestStart, ParentID: "a1", ParentType: eda.ParentTypeActivation, QueueName: "q1", InsertedAt: now}))
	require.NoError(t, st.Enqueue(&eda.ActivationRequest{ID: "r2", Kind: eda.RequestAutoStart, ParentID: "a1", ParentType: eda.ParentTypeActivation, QueueName: "q1", NotBefore: now.Add(time.Hour), InsertedAt: now.Add(time.Second)}))

	pending, err := st.ListPending("q1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	all, err := st.ListPendingForActivation("a1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCancelPendingRestartsOnlyDeletesAutoStarts(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	require.NoError(t, st.Enqueue(&eda.ActivationRequest{ID: "r1", Kind: eda.RequestStop, ParentID: "a1", ParentType: eda.ParentTypeActivation, QueueName: "q1", InsertedAt: now}))
	require.NoError(t, st.Enqueue(&eda.ActivationRequest{ID: "r2", Kind: eda.RequestAutoStart, ParentID: "a1", ParentType: eda.ParentTypeActivation, QueueName: "q1", NotBefore: now.Add(time.Hour), InsertedAt: now.Add(time.Second)}))

	require.NoError(t, st.CancelPendingRestarts("a1"))

	all, err := st.ListPendingForActivation("a1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, eda.RequestStop, all[0].Kind)
}

func TestProcessQueuePinRoundTrip(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateProcess(&eda.RulebookProcess{ID: "p1", ActivationID: "a1", Status: eda.StatusRunning}))
	require.NoError(t, st.PinProcessQueue("p1", "queue-a"))

	qn, err := st.GetProcessQueue("p1")
	require.NoError(t, err)
	assert.Equal(t, "queue-a", qn)

	names, err := st.ListAllQueueNames()
	require.NoError(t, err)
	assert.Contains(t, names, "queue-a")

	procs, err := st.ListProcessesByQueue("queue-a", []eda.Status{eda.StatusRunning})
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "p1", procs[0].ID)

	procs, err = st.ListProcessesByQueue("queue-a", []eda.Status{eda.StatusStopped})
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestQueueHeartbeatRoundTrip(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.GetQueueHeartbeat("queue-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.RecordQueueHeartbeat("queue-a"))

	ts, ok, err := st.GetQueueHeartbeat("queue-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}

func TestWithActivationLockSerializesConcurrentCallers(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateActivation(&eda.Activation{ID: "a1", FailureCount: 0}))

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_ = st.WithActivationLock("a1", func() error {
				a, err := st.GetActivation("a1")
				if err != nil {
					return err
				}
				a.FailureCount++
				return st.UpdateActivation(a)
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	a, err := st.GetActivation("a1")
	require.NoError(t, err)
	assert.Equal(t, n, a.FailureCount)
}
