package localengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTimestampParsesValidPrefix(t *testing.T) {
	ts, text, ok := splitTimestamp("2026-07-29T10:00:00.000000000Z hello world")
	require.True(t, ok)
	assert.Equal(t, "hello world", text)

	want, err := time.Parse(time.RFC3339Nano, "2026-07-29T10:00:00.000000000Z")
	require.NoError(t, err)
	assert.True(t, want.Equal(ts))
}

func TestSplitTimestampRejectsLineWithoutSpace(t *testing.T) {
	_, text, ok := splitTimestamp("noSpaceHere")
	assert.False(t, ok)
	assert.Equal(t, "noSpaceHere", text)
}

func TestSplitTimestampRejectsUnparsablePrefix(t *testing.T) {
	_, text, ok := splitTimestamp("not-a-timestamp rest")
	assert.False(t, ok)
	assert.Equal(t, "not-a-timestamp rest", text)
}

func TestReadLogFileReturnsNilForMissingFile(t *testing.T) {
	lines, err := readLogFile(filepath.Join(t.TempDir(), "missing.log"), time.Time{})
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestReadLogFileParsesEachLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c1.log")
	content := "2026-07-29T10:00:00.000000000Z line one\n2026-07-29T10:00:01.000000000Z line two\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := readLogFile(path, time.Time{})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "line one", lines[0].Text)
	assert.Equal(t, "line two", lines[1].Text)
}
