package store

import (
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// Logs is the RulebookProcessLog slice of Store.
type Logs interface {
	// AppendLogLines inserts lines, first deleting any existing row
	// whose DedupKeyMs exactly matches an incoming line's DedupKeyMs
	// (spec.md §4.2 step 5 / §9's millisecond-resolution resolution): a
	// crash between advancing log_read_at and inserting is then safe to
	// replay without duplicating a row.
	AppendLogLines(processID string, lines []*eda.ProcessLogLine) error
	ListLogLines(processID string) ([]*eda.ProcessLogLine, error)
}

func (s *BoltStore) AppendLogLines(processID string, lines []*eda.ProcessLogLine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessLogs)

		dedupKeys := make(map[int64]bool, len(lines))
		for _, l := range lines {
			dedupKeys[l.DedupKeyMs] = true
		}

		// Delete any existing rows at the same dedup boundary first, so
		// a crash between cursor-advance and insert cannot duplicate a
		// line on replay.
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var existing eda.ProcessLogLine
			if err := unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.ProcessID == processID && dedupKeys[existing.DedupKeyMs] {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, l := range lines {
			data, err := marshal(l)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(l.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListLogLines(processID string) ([]*eda.ProcessLogLine, error) {
	var out []*eda.ProcessLogLine
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessLogs)
		return b.ForEach(func(k, v []byte) error {
			var l eda.ProcessLogLine
			if err := unmarshal(v, &l); err != nil {
				return err
			}
			if l.ProcessID == processID {
				out = append(out, &l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupKeyMs < out[j].DedupKeyMs })
	return out, nil
}
