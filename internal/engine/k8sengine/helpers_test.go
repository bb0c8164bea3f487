package k8sengine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampedLogsSplitsTimestampAndText(t *testing.T) {
	input := "2026-07-29T10:00:00.123456789Z line one\n2026-07-29T10:00:01.000000000Z line two\n"
	lines, err := parseTimestampedLogs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, "line one", lines[0].Text)
	assert.Equal(t, "line two", lines[1].Text)
	assert.True(t, lines[0].Timestamp.Before(lines[1].Timestamp))

	want, err := time.Parse(time.RFC3339Nano, "2026-07-29T10:00:00.123456789Z")
	require.NoError(t, err)
	assert.True(t, want.Equal(lines[0].Timestamp))
}

func TestParseTimestampedLogsFallsBackOnUnparsableTimestamp(t *testing.T) {
	input := "not-a-timestamp rest of line\n"
	lines, err := parseTimestampedLogs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "not-a-timestamp rest of line", lines[0].Text)
}

func TestParseTimestampedLogsHandlesLineWithNoSpace(t *testing.T) {
	input := "nospacehere\n"
	lines, err := parseTimestampedLogs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "nospacehere", lines[0].Text)
}
