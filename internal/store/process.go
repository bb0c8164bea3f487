package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// Processes is the RulebookProcess (+ queue pin) slice of Store.
type Processes interface {
	CreateProcess(p *eda.RulebookProcess) error
	GetProcess(id string) (*eda.RulebookProcess, error)
	ListProcessesByActivation(activationID string) ([]*eda.RulebookProcess, error)
	UpdateProcess(p *eda.RulebookProcess) error

	PinProcessQueue(processID, queueName string) error
	GetProcessQueue(processID string) (string, error)
	ListProcessesByQueue(queueName string, statuses []eda.Status) ([]*eda.RulebookProcess, error)
	ListAllQueueNames() ([]string, error)
}

func (s *BoltStore) CreateProcess(p *eda.RulebookProcess) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data, err := marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetProcess(id string) (*eda.RulebookProcess, error) {
	var p eda.RulebookProcess
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("process not found: %s", id)
		}
		return unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProcessesByActivation(activationID string) ([]*eda.RulebookProcess, error) {
	var out []*eda.RulebookProcess
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		return b.ForEach(func(k, v []byte) error {
			var p eda.RulebookProcess
			if err := unmarshal(v, &p); err != nil {
				return err
			}
			if p.ActivationID == activationID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateProcess(p *eda.RulebookProcess) error {
	return s.CreateProcess(p)
}

type queuePinRecord struct {
	ProcessID string
	QueueName string
}

func (s *BoltStore) PinProcessQueue(processID, queueName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueuePins)
		data, err := marshal(queuePinRecord{ProcessID: processID, QueueName: queueName})
		if err != nil {
			return err
		}
		return b.Put([]byte(processID), data)
	})
}

func (s *BoltStore) GetProcessQueue(processID string) (string, error) {
	var rec queuePinRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueuePins)
		data := b.Get([]byte(processID))
		if data == nil {
			return fmt.Errorf("no queue pin for process: %s", processID)
		}
		return unmarshal(data, &rec)
	})
	if err != nil {
		return "", err
	}
	return rec.QueueName, nil
}

// ListProcessesByQueue returns processes pinned to queueName whose
// status is in statuses (nil/empty means any status).
func (s *BoltStore) ListProcessesByQueue(queueName string, statuses []eda.Status) ([]*eda.RulebookProcess, error) {
	want := make(map[eda.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var pins []queuePinRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueuePins)
		return b.ForEach(func(k, v []byte) error {
			var rec queuePinRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.QueueName == queueName {
				pins = append(pins, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var out []*eda.RulebookProcess
	for _, pin := range pins {
		p, err := s.GetProcess(pin.ProcessID)
		if err != nil {
			continue
		}
		if len(want) == 0 || want[p.Status] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *BoltStore) ListAllQueueNames() ([]string, error) {
	seen := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueuePins)
		return b.ForEach(func(k, v []byte) error {
			var rec queuePinRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			seen[rec.QueueName] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out, nil
}
