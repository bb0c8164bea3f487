// Package logstore is the append-only sink for container stdout/stderr
// (spec.md §4.3). It implements engine.LogHandler over internal/store,
// owning the log_read_at cursor and the restart-safe dedup rule.
package logstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// Handler implements engine.LogHandler.
type Handler struct {
	store store.Store

	// FlushAfter mirrors ANSIBLE_RULEBOOK_FLUSH_AFTER: an integer string
	// flushes every N buffered writes, "end" flushes only on Flush.
	FlushAfter string

	mu      sync.Mutex
	pending map[string]int // processID -> lines written since last flush
}

// New constructs a Handler backed by st.
func New(st store.Store, flushAfter string) *Handler {
	return &Handler{store: st, FlushAfter: flushAfter, pending: make(map[string]int)}
}

// Write appends lines for processID, deduping at millisecond resolution
// while preserving second-resolution for the human-visible timestamp
// (spec.md §9's resolution of the log_timestamp dedup-granularity open
// question).
func (h *Handler) Write(ctx context.Context, processID string, lines []engine.LogLine) error {
	rows := make([]*eda.ProcessLogLine, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, &eda.ProcessLogLine{
			ID:           uuid.NewString(),
			ProcessID:    processID,
			Line:         l.Text,
			LogTimestamp: l.Timestamp.Unix(),
			DedupKeyMs:   l.Timestamp.UnixMilli(),
		})
	}
	if err := h.store.AppendLogLines(processID, rows); err != nil {
		return err
	}

	h.mu.Lock()
	h.pending[processID] += len(rows)
	shouldFlush := h.shouldFlushLocked(processID)
	h.mu.Unlock()

	if shouldFlush {
		return h.Flush(ctx, processID)
	}
	return nil
}

func (h *Handler) shouldFlushLocked(processID string) bool {
	if h.FlushAfter == "end" {
		return false
	}
	n, err := strconv.Atoi(h.FlushAfter)
	if err != nil || n <= 0 {
		return true
	}
	return h.pending[processID] >= n
}

// GetLogReadAt returns the process's monotonic log cursor.
func (h *Handler) GetLogReadAt(ctx context.Context, processID string) (time.Time, error) {
	p, err := h.store.GetProcess(processID)
	if err != nil {
		return time.Time{}, err
	}
	return p.LogReadAt, nil
}

// SetLogReadAt advances the process's log cursor.
func (h *Handler) SetLogReadAt(ctx context.Context, processID string, t time.Time) error {
	p, err := h.store.GetProcess(processID)
	if err != nil {
		return err
	}
	p.LogReadAt = t
	return h.store.UpdateProcess(p)
}

// Flush resets the pending-write counter for processID. Rows are already
// durable in bbolt by the time Write returns (each AppendLogLines call is
// its own transaction); Flush exists to model ANSIBLE_RULEBOOK_FLUSH_AFTER
// as a batching knob for callers that want to coalesce cursor advances,
// not as a separate durability boundary.
func (h *Handler) Flush(ctx context.Context, processID string) error {
	h.mu.Lock()
	delete(h.pending, processID)
	h.mu.Unlock()
	return nil
}
