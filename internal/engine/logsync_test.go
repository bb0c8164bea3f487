package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	lines      []LogLine
	lastSince  time.Time
	fetchCalls int
}

func (f *fakeSource) FetchLines(ctx context.Context, handle string, since time.Time) ([]LogLine, error) {
	f.fetchCalls++
	f.lastSince = since
	return f.lines, nil
}

type fakeLogHandler struct {
	readAt     time.Time
	written    []LogLine
	flushCalls int
}

func (f *fakeLogHandler) Write(ctx context.Context, processID string, lines []LogLine) error {
	f.written = append(f.written, lines...)
	return nil
}
func (f *fakeLogHandler) GetLogReadAt(ctx context.Context, processID string) (time.Time, error) {
	return f.readAt, nil
}
func (f *fakeLogHandler) SetLogReadAt(ctx context.Context, processID string, t time.Time) error {
	f.readAt = t
	return nil
}
func (f *fakeLogHandler) Flush(ctx context.Context, processID string) error {
	f.flushCalls++
	return nil
}

func TestSyncLogsWritesNewLinesAndAdvancesCursor(t *testing.T) {
	now := time.Now()
	source := &fakeSource{lines: []LogLine{
		{Text: "a", Timestamp: now},
		{Text: "b", Timestamp: now.Add(time.Second)},
	}}
	logs := &fakeLogHandler{}

	require.NoError(t, SyncLogs(context.Background(), source, "handle-1", "p1", logs))

	assert.Len(t, logs.written, 2)
	assert.True(t, logs.readAt.Equal(now.Add(time.Second)))
	assert.Equal(t, 1, logs.flushCalls)
}

func TestSyncLogsSkipsLinesAtOrBeforeReadAt(t *testing.T) {
	now := time.Now()
	logs := &fakeLogHandler{readAt: now}
	source := &fakeSource{lines: []LogLine{
		{Text: "stale", Timestamp: now},
		{Text: "fresh", Timestamp: now.Add(time.Second)},
	}}

	require.NoError(t, SyncLogs(context.Background(), source, "handle-1", "p1", logs))

	require.Len(t, logs.written, 1)
	assert.Equal(t, "fresh", logs.written[0].Text)
}

func TestSyncLogsSkipsWriteAndFlushWhenNothingNew(t *testing.T) {
	now := time.Now()
	logs := &fakeLogHandler{readAt: now}
	source := &fakeSource{lines: []LogLine{{Text: "stale", Timestamp: now}}}

	require.NoError(t, SyncLogs(context.Background(), source, "handle-1", "p1", logs))

	assert.Empty(t, logs.written)
	assert.Equal(t, 0, logs.flushCalls)
}

func TestSyncLogsAppliesSafetyMarginOnRefetch(t *testing.T) {
	readAt := time.Now()
	logs := &fakeLogHandler{readAt: readAt}
	source := &fakeSource{}

	require.NoError(t, SyncLogs(context.Background(), source, "handle-1", "p1", logs))

	assert.True(t, source.lastSince.Equal(readAt.Add(-safetyMargin)))
}
