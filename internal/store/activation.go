package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// Activations is the Activation slice of the Store capability set.
type Activations interface {
	CreateActivation(a *eda.Activation) error
	GetActivation(id string) (*eda.Activation, error)
	GetActivationByName(name string) (*eda.Activation, error)
	ListActivations() ([]*eda.Activation, error)
	UpdateActivation(a *eda.Activation) error
	DeleteActivation(id string) error
}

func (s *BoltStore) CreateActivation(a *eda.Activation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivations)
		data, err := marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) GetActivation(id string) (*eda.Activation, error) {
	var a eda.Activation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("activation not found: %s", id)
		}
		return unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) GetActivationByName(name string) (*eda.Activation, error) {
	var found *eda.Activation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivations)
		return b.ForEach(func(k, v []byte) error {
			var a eda.Activation
			if err := unmarshal(v, &a); err != nil {
				return err
			}
			if a.Name == name {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("activation not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListActivations() ([]*eda.Activation, error) {
	var out []*eda.Activation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivations)
		return b.ForEach(func(k, v []byte) error {
			var a eda.Activation
			if err := unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateActivation(a *eda.Activation) error {
	return s.CreateActivation(a)
}

// DeleteActivation removes the activation row only. Its processes, logs
// and queue pins stay in their buckets; neither this method nor its
// caller (internal/activation Delete) removes them.
func (s *BoltStore) DeleteActivation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActivations).Delete([]byte(id))
	})
}
