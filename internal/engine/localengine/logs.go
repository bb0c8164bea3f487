package localengine

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	eng "github.com/ansible/rulebook-orchestrator/internal/engine"
)

// logFilePath returns the combined stdout/stderr log file containerd
// writes for handle, via cio.LogFile at task-create time.
func logFilePath(handle string) string {
	return filepath.Join(os.TempDir(), "rulebook-orchestrator-logs", handle+".log")
}

// readLogFile reads every line from path, parsing the leading RFC3339Nano
// timestamp each rulebook worker prefixes its log lines with. since is
// accepted to satisfy LineSource and is unused here (k8sengine passes
// it to the pod-logs SinceTime option); the timestamp filtering itself happens
// once, in the shared caller (SyncLogs), so it isn't duplicated here. A
// missing file (container never produced output yet) is not an error.
func readLogFile(path string, since time.Time) ([]eng.LogLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []eng.LogLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		ts, text, ok := splitTimestamp(raw)
		if !ok {
			ts = time.Now()
			text = raw
		}
		lines = append(lines, eng.LogLine{Timestamp: ts, Text: text})
	}
	return lines, scanner.Err()
}

// splitTimestamp parses a "<RFC3339Nano> <rest>" line prefix.
func splitTimestamp(line string) (time.Time, string, bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return time.Time{}, line, false
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:idx])
	if err != nil {
		return time.Time{}, line, false
	}
	return ts, strings.TrimSpace(line[idx+1:]), true
}
