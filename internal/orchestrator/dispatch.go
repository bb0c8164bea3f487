// Package orchestrator is the request-dispatch layer of spec.md §4.4:
// user-visible actions append a FIFO row to an activation's request
// queue and wake the worker pool; a per-queue-name goroutine group
// drains that queue, applying the coalescing rules before constructing
// an activation.Manager and calling the matching lifecycle method.
// Grounded on the teacher's node-registration/task-dispatch split in
// pkg/worker, generalized from "one goroutine per container task" to
// "one goroutine group per queue name draining a shared request table".
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/eda"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	"github.com/ansible/rulebook-orchestrator/internal/statusmgr"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// Orchestrator owns the worker-pool goroutines and the public dispatch
// entry points called by the API/websocket layers.
type Orchestrator struct {
	store    store.Store
	notifier *store.QueueNotifier
	status   *statusmgr.Manager
	engine   engine.ContainerEngine
	logs     engine.LogHandler
	cfg      *config.Config

	queueNames []string
	rrCounter  uint64

	mu      sync.Mutex
	workers map[string]*queueWorker
	wg      sync.WaitGroup

	// monitorGroup collapses concurrent MonitorRulebookProcesses calls
	// for the same activation — the monitor loop's per-tick sweep and
	// the heartbeat endpoint's SessionStats handler can both observe the
	// same activation in the same instant, and only one monitor request
	// row needs to land before the worker next drains the queue.
	monitorGroup singleflight.Group
}

// New constructs an Orchestrator over a fixed pool of worker queue
// names — the set of names a worker-pool goroutine group will drain.
// notifier is the same *store.QueueNotifier the BoltStore wakes on
// Enqueue, shared explicitly rather than recovered via a type assertion
// so the worker-wake wiring stays a compile-time guarantee.
func New(st store.Store, notifier *store.QueueNotifier, sm *statusmgr.Manager, eng engine.ContainerEngine, logs engine.LogHandler, cfg *config.Config, queueNames []string) *Orchestrator {
	return &Orchestrator{
		store:      st,
		notifier:   notifier,
		status:     sm,
		engine:     eng,
		logs:       logs,
		cfg:        cfg,
		queueNames: queueNames,
		workers:    make(map[string]*queueWorker),
	}
}

// Run starts one worker goroutine group per configured queue name and
// blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for _, name := range o.queueNames {
		o.ensureWorker(ctx, name)
	}
	<-ctx.Done()
	o.wg.Wait()
}

func (o *Orchestrator) ensureWorker(ctx context.Context, queueName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.workers[queueName]; ok {
		return
	}
	w := newQueueWorker(o, queueName)
	o.workers[queueName] = w
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.run(ctx)
	}()
}

// nextQueueName round-robins across the configured pool, used to assign
// a worker queue to an activation that has never had a process started
// (spec.md §4.4's "or any worker queue if none is pinned yet").
func (o *Orchestrator) nextQueueName() string {
	if len(o.queueNames) == 0 {
		return "default"
	}
	o.mu.Lock()
	idx := o.rrCounter % uint64(len(o.queueNames))
	o.rrCounter++
	o.mu.Unlock()
	return o.queueNames[idx]
}

// queueNameFor resolves the worker queue an activation's requests
// should be routed to: the queue its latest process is pinned to, or a
// fresh round-robin pick if it has none yet.
func (o *Orchestrator) queueNameFor(activationID string) string {
	a, err := o.store.GetActivation(activationID)
	if err == nil && a.LatestProcessID != "" {
		if qn, err := o.store.GetProcessQueue(a.LatestProcessID); err == nil && qn != "" {
			return qn
		}
	}
	return o.nextQueueName()
}

func (o *Orchestrator) enqueue(kind eda.RequestKind, activationID, requestID string, notBefore time.Time) error {
	queueName := o.queueNameFor(activationID)
	req := &eda.ActivationRequest{
		ID:         uuid.NewString(),
		Kind:       kind,
		ParentID:   activationID,
		ParentType: eda.ParentTypeActivation,
		RequestID:  requestID,
		QueueName:  queueName,
		NotBefore:  notBefore,
		InsertedAt: time.Now(),
	}
	return o.store.Enqueue(req)
}

// StartRulebookProcess enqueues a start request (spec.md §4.4 step 1-3).
func (o *Orchestrator) StartRulebookProcess(activationID, requestID string) error {
	return o.enqueue(eda.RequestStart, activationID, requestID, time.Time{})
}

// StopRulebookProcess enqueues a stop request.
func (o *Orchestrator) StopRulebookProcess(activationID, requestID string) error {
	return o.enqueue(eda.RequestStop, activationID, requestID, time.Time{})
}

// RestartRulebookProcess enqueues a restart request.
func (o *Orchestrator) RestartRulebookProcess(activationID, requestID string) error {
	return o.enqueue(eda.RequestRestart, activationID, requestID, time.Time{})
}

// DeleteRulebookProcess enqueues a delete request.
func (o *Orchestrator) DeleteRulebookProcess(activationID, requestID string) error {
	return o.enqueue(eda.RequestDelete, activationID, requestID, time.Time{})
}

// MonitorRulebookProcesses enqueues a monitor request, used by the
// monitor loop and by the heartbeat endpoint's SessionStats handler to
// drive the STARTING→RUNNING transition.
func (o *Orchestrator) MonitorRulebookProcesses(activationID string) error {
	_, err, _ := o.monitorGroup.Do(activationID, func() (any, error) {
		return nil, o.enqueue(eda.RequestMonitor, activationID, "", time.Time{})
	})
	return err
}
