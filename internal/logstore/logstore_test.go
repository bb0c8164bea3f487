package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

func newTestStoreWithProcess(t *testing.T, processID string) store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateProcess(&eda.RulebookProcess{ID: processID, ActivationID: "a1", Status: eda.StatusRunning}))
	return st
}

func TestWriteAppendsAndDedupesByMillisecond(t *testing.T) {
	st := newTestStoreWithProcess(t, "p1")
	h := New(st, "end")

	ts := time.Now().Truncate(time.Millisecond)
	require.NoError(t, h.Write(context.Background(), "p1", []engine.LogLine{{Text: "first", Timestamp: ts}}))
	require.NoError(t, h.Write(context.Background(), "p1", []engine.LogLine{{Text: "replay", Timestamp: ts}}))

	lines, err := st.ListLogLines("p1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "replay", lines[0].Line)
}

func TestWriteFlushesAfterNWhenFlushAfterIsNumeric(t *testing.T) {
	st := newTestStoreWithProcess(t, "p1")
	h := New(st, "2")

	require.NoError(t, h.Write(context.Background(), "p1", []engine.LogLine{{Text: "a", Timestamp: time.Now()}}))
	h.mu.Lock()
	pendingAfterOne := h.pending["p1"]
	h.mu.Unlock()
	assert.Equal(t, 1, pendingAfterOne)

	require.NoError(t, h.Write(context.Background(), "p1", []engine.LogLine{{Text: "b", Timestamp: time.Now()}}))
	h.mu.Lock()
	pendingAfterTwo := h.pending["p1"]
	h.mu.Unlock()
	assert.Equal(t, 0, pendingAfterTwo)
}

func TestWriteNeverFlushesWhenFlushAfterIsEnd(t *testing.T) {
	st := newTestStoreWithProcess(t, "p1")
	h := New(st, "end")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Write(context.Background(), "p1", []engine.LogLine{{Text: "x", Timestamp: time.Now()}}))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 5, h.pending["p1"])
}

func TestLogReadAtRoundTrip(t *testing.T) {
	st := newTestStoreWithProcess(t, "p1")
	h := New(st, "end")

	got, err := h.GetLogReadAt(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	mark := time.Now().Truncate(time.Second)
	require.NoError(t, h.SetLogReadAt(context.Background(), "p1", mark))

	got, err = h.GetLogReadAt(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, mark.Equal(got))
}
