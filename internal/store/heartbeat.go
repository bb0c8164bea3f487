package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQueueHeartbeats = []byte("queue_heartbeats")

// Heartbeats tracks the last time each worker queue's rulebook process
// reported liveness over the websocket endpoint (spec.md §4.7's "worker
// queue has not reported liveness within the window"), the per-queue
// analogue of the teacher's Node.LastHeartbeat.
type Heartbeats interface {
	// RecordQueueHeartbeat stamps queueName as alive as of now.
	RecordQueueHeartbeat(queueName string) error
	// GetQueueHeartbeat returns the last recorded heartbeat for
	// queueName, or ok=false if none has ever been recorded.
	GetQueueHeartbeat(queueName string) (t time.Time, ok bool, err error)
}

func (s *BoltStore) RecordQueueHeartbeat(queueName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueHeartbeats)
		data, err := marshal(time.Now())
		if err != nil {
			return err
		}
		return b.Put([]byte(queueName), data)
	})
}

func (s *BoltStore) GetQueueHeartbeat(queueName string) (time.Time, bool, error) {
	var t time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueHeartbeats)
		data := b.Get([]byte(queueName))
		if data == nil {
			return nil
		}
		found = true
		return unmarshal(data, &t)
	})
	return t, found, err
}
