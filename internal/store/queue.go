package store

import (
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// Queue is the ActivationRequestQueue slice of Store: a FIFO per
// activation, consumed by the worker-pool dispatch in
// internal/orchestrator (spec.md §3, §4.4).
type Queue interface {
	// Enqueue appends a request under its caller-assigned id and wakes
	// the worker of req.QueueName, if set. req.NotBefore
	// is zero for immediate requests, or a future time for a scheduled
	// restart (spec.md §9 "global timers": delayed-enqueue, not an
	// in-process timer, so it survives a worker restart).
	Enqueue(req *eda.ActivationRequest) error
	// ListPending returns every request (across all activations) whose
	// NotBefore has elapsed, oldest-first, for queueName.
	ListPending(queueName string) ([]*eda.ActivationRequest, error)
	// ListPendingForActivation returns the FIFO queue for one activation,
	// oldest-first, regardless of NotBefore (used by the monitor loop's
	// auto-start check and by CancelPendingRestarts, which must see
	// not-yet-due AUTO_STARTs too). Only requests whose ParentType is
	// activation are returned.
	ListPendingForActivation(activationID string) ([]*eda.ActivationRequest, error)
	DeleteRequest(id string) error
	// CancelPendingRestarts deletes every queued AUTO_START for
	// activationID (stop() cancels pending restarts per spec.md §5).
	CancelPendingRestarts(activationID string) error
}

func (s *BoltStore) Enqueue(req *eda.ActivationRequest) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestQueue)
		data, err := marshal(req)
		if err != nil {
			return err
		}
		return b.Put([]byte(req.ID), data)
	})
	if err != nil {
		return err
	}
	if req.QueueName != "" {
		s.notify.Wake(req.QueueName)
	}
	return nil
}

func (s *BoltStore) allRequests() ([]*eda.ActivationRequest, error) {
	var out []*eda.ActivationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestQueue)
		return b.ForEach(func(k, v []byte) error {
			var r eda.ActivationRequest
			if err := unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InsertedAt.Before(out[j].InsertedAt)
	})
	return out, nil
}

func (s *BoltStore) ListPending(queueName string) ([]*eda.ActivationRequest, error) {
	all, err := s.allRequests()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*eda.ActivationRequest
	for _, r := range all {
		if r.QueueName != queueName {
			continue
		}
		if !r.NotBefore.IsZero() && r.NotBefore.After(now) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *BoltStore) ListPendingForActivation(activationID string) ([]*eda.ActivationRequest, error) {
	all, err := s.allRequests()
	if err != nil {
		return nil, err
	}
	var out []*eda.ActivationRequest
	for _, r := range all {
		if r.ParentType == eda.ParentTypeActivation && r.ParentID == activationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *BoltStore) DeleteRequest(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequestQueue).Delete([]byte(id))
	})
}

func (s *BoltStore) CancelPendingRestarts(activationID string) error {
	reqs, err := s.ListPendingForActivation(activationID)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestQueue)
		for _, r := range reqs {
			if r.Kind == eda.RequestAutoStart {
				if err := b.Delete([]byte(r.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
