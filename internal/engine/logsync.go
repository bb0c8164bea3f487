package engine

import (
	"context"
	"time"
)

// safetyMargin is subtracted from log_read_at before re-fetching, to
// tolerate a backend returning lines slightly before the last observed
// timestamp on replay (spec.md §4.2 step 2).
const safetyMargin = 1 * time.Second

// SyncLogs implements the incremental log-read algorithm of spec.md
// §4.2, steps 1-4: both backends only need to supply a LineSource; this
// helper owns the log_read_at bookkeeping and timestamp filtering so the
// dedup/advance logic is written exactly once.
func SyncLogs(ctx context.Context, source LineSource, handle, processID string, logs LogHandler) error {
	readAt, err := logs.GetLogReadAt(ctx, processID)
	if err != nil {
		return NewError(KindUpdateLogs, "failed to read log cursor", err)
	}

	var since time.Time
	if !readAt.IsZero() {
		since = readAt.Add(-safetyMargin)
	}

	lines, err := source.FetchLines(ctx, handle, since)
	if err != nil {
		return NewError(KindUpdateLogs, "failed to fetch container logs", err)
	}

	var toWrite []LogLine
	maxSeen := readAt
	for _, line := range lines {
		if !readAt.IsZero() && !line.Timestamp.After(readAt) {
			continue
		}
		toWrite = append(toWrite, line)
		if line.Timestamp.After(maxSeen) {
			maxSeen = line.Timestamp
		}
	}

	if len(toWrite) == 0 {
		return nil
	}

	if err := logs.Write(ctx, processID, toWrite); err != nil {
		return NewError(KindUpdateLogs, "failed to append log lines", err)
	}

	if err := logs.SetLogReadAt(ctx, processID, maxSeen); err != nil {
		return NewError(KindUpdateLogs, "failed to advance log cursor", err)
	}

	return logs.Flush(ctx, processID)
}
