package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// Audit covers the supplemented record types spec.md §4.5 names by
// behavior ("create an AuditRule if new, an AuditAction keyed by
// action_uuid...") and original_source/src/aap_eda/core/models/rulebook.py
// defines field-for-field.
type Audit interface {
	CreateAuditRule(r *eda.AuditRule) error
	FindAuditRule(processID string, ruleUUID string) (*eda.AuditRule, error)

	UpsertAuditAction(a *eda.AuditAction) error
	GetAuditAction(id string) (*eda.AuditAction, error)

	CreateAuditEvent(e *eda.AuditEvent) error

	CreateJobInstance(j *eda.JobInstance) error
	GetLatestJobInstance(processID string) (*eda.JobInstance, error)

	CreateAnsibleEvent(e *eda.AnsibleEventRecord) error
}

func (s *BoltStore) CreateAuditRule(r *eda.AuditRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditRules)
		data, err := marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) FindAuditRule(processID, ruleUUID string) (*eda.AuditRule, error) {
	var found *eda.AuditRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditRules)
		return b.ForEach(func(k, v []byte) error {
			var r eda.AuditRule
			if err := unmarshal(v, &r); err != nil {
				return err
			}
			if r.ProcessID == processID && r.RuleUUID == ruleUUID {
				found = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("audit rule not found for process=%s rule=%s", processID, ruleUUID)
	}
	return found, nil
}

func (s *BoltStore) UpsertAuditAction(a *eda.AuditAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditActions)
		data, err := marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) GetAuditAction(id string) (*eda.AuditAction, error) {
	var a eda.AuditAction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditActions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("audit action not found: %s", id)
		}
		return unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) CreateAuditEvent(e *eda.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditEvents)
		data, err := marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) CreateJobInstance(j *eda.JobInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobInstances)
		data, err := marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	})
}

func (s *BoltStore) GetLatestJobInstance(processID string) (*eda.JobInstance, error) {
	var latest *eda.JobInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobInstances)
		return b.ForEach(func(k, v []byte) error {
			var j eda.JobInstance
			if err := unmarshal(v, &j); err != nil {
				return err
			}
			if j.ProcessID != processID {
				return nil
			}
			if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
				latest = &j
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("no job instance for process: %s", processID)
	}
	return latest, nil
}

func (s *BoltStore) CreateAnsibleEvent(e *eda.AnsibleEventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAnsibleEvents)
		data, err := marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}
