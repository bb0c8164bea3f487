// Package store is the transactional record store for activations,
// rulebook processes, the request queue, and process logs (spec.md §3,
// §2.1). It is grounded on the teacher's pkg/storage BoltDB store,
// generalized from Warren's Node/Service/Container/Secret schema to the
// Activation/RulebookProcess/ActivationRequest/ProcessLog schema this
// subsystem needs, and extended with the per-id row locking and
// per-queue wake primitives the teacher's plain KV store does not need
// (Warren has no multi-writer request queue; this subsystem does).
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketActivations   = []byte("activations")
	bucketProcesses     = []byte("rulebook_processes")
	bucketQueuePins     = []byte("process_queue_pins")
	bucketRequestQueue  = []byte("request_queue")
	bucketProcessLogs   = []byte("process_logs")
	bucketAuditRules    = []byte("audit_rules")
	bucketAuditActions  = []byte("audit_actions")
	bucketAuditEvents   = []byte("audit_events")
	bucketJobInstances  = []byte("job_instances")
	bucketAnsibleEvents = []byte("ansible_events")
)

// Store is the capability set every orchestrator component reads and
// writes through. It is the single source of truth (spec.md §5).
type Store interface {
	Activations
	Processes
	Queue
	Logs
	Audit
	Heartbeats

	// WithActivationLock runs fn with an exclusive in-process lock held
	// on the given activation id, modeling the row-level lock spec.md
	// §4.1 requires around every status write. Held only for the
	// duration of fn; never across an engine call.
	WithActivationLock(id string, fn func() error) error
	// WithProcessLock is the process-row equivalent.
	WithProcessLock(id string, fn func() error) error

	Close() error
}

// BoltStore implements Store using BoltDB, one bucket per entity kind,
// JSON-marshaled values — the same layout as the teacher's BoltStore.
type BoltStore struct {
	db *bolt.DB

	locks  *lockRegistry
	pLocks *lockRegistry
	notify *QueueNotifier
}

// New opens (creating if absent) the BoltDB file under dataDir.
func New(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rulebook-orchestrator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketActivations,
			bucketProcesses,
			bucketQueuePins,
			bucketRequestQueue,
			bucketProcessLogs,
			bucketAuditRules,
			bucketAuditActions,
			bucketAuditEvents,
			bucketJobInstances,
			bucketAnsibleEvents,
			bucketQueueHeartbeats,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:     db,
		locks:  newLockRegistry(),
		pLocks: newLockRegistry(),
		notify: NewQueueNotifier(),
	}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithActivationLock implements Store.
func (s *BoltStore) WithActivationLock(id string, fn func() error) error {
	return s.locks.with(id, fn)
}

// WithProcessLock implements Store.
func (s *BoltStore) WithProcessLock(id string, fn func() error) error {
	return s.pLocks.with(id, fn)
}

// Notifier exposes the store's per-queue wake channels to the worker
// pool (internal/orchestrator).
func (s *BoltStore) Notifier() *QueueNotifier {
	return s.notify
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// lockRegistry is a striped map of per-id mutexes. bbolt already
// serializes Update transactions process-wide, so this is what prevents
// two logical callers (e.g. a monitor tick and a user-issued stop) from
// interleaving a read-modify-write across two separate transactions,
// which is the race spec.md §4.1's row lock exists to prevent.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *lockRegistry) with(id string, fn func() error) error {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}
