package k8sengine

import (
	"bufio"
	"io"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	eng "github.com/ansible/rulebook-orchestrator/internal/engine"
)

func resourceQuantity(bytes int64) resource.Quantity {
	return *resource.NewQuantity(bytes, resource.BinarySI)
}

func intOrStringFromPort(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}

// parseTimestampedLogs reads a corev1.PodLogOptions{Timestamps: true}
// stream, where every line is prefixed with an RFC3339Nano timestamp.
func parseTimestampedLogs(r io.Reader) ([]eng.LogLine, error) {
	var lines []eng.LogLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		idx := strings.IndexByte(raw, ' ')
		if idx < 0 {
			lines = append(lines, eng.LogLine{Timestamp: time.Now(), Text: raw})
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw[:idx])
		if err != nil {
			lines = append(lines, eng.LogLine{Timestamp: time.Now(), Text: raw})
			continue
		}
		lines = append(lines, eng.LogLine{Timestamp: ts, Text: strings.TrimSpace(raw[idx+1:])})
	}
	return lines, scanner.Err()
}
