// Package monitorloop is the periodic reconciliation tick of spec.md
// §4.6/§4.7: it never touches the container engine itself, only enqueues
// monitor/auto_start requests and flags worker queues that have gone
// quiet. Grounded directly on pkg/reconciler/reconciler.go's
// ticker+select+stopCh loop shape and its reconcileNodes staleness check
// (now.Sub(LastHeartbeat) > window), generalized from "cluster node
// liveness" to "worker queue liveness".
package monitorloop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/eda"
	applog "github.com/ansible/rulebook-orchestrator/internal/log"
	"github.com/ansible/rulebook-orchestrator/internal/metrics"
	"github.com/ansible/rulebook-orchestrator/internal/statusmgr"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// dispatcher is the subset of internal/orchestrator.Orchestrator the
// monitor loop needs, kept narrow so this package never imports the
// engine/activation packages transitively.
type dispatcher interface {
	MonitorRulebookProcesses(activationID string) error
	StartRulebookProcess(activationID, requestID string) error
}

// Loop runs the periodic reconciliation tick.
type Loop struct {
	store      store.Store
	status     *statusmgr.Manager
	dispatcher dispatcher
	cfg        *config.Config

	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
}

// New constructs a Loop over st, sm and o.
func New(st store.Store, sm *statusmgr.Manager, o dispatcher, cfg *config.Config) *Loop {
	return &Loop{
		store:      st,
		status:     sm,
		dispatcher: o,
		cfg:        cfg,
		logger:     applog.WithComponent("monitorloop"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop in its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop halts the loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	interval := l.cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", interval).Msg("monitor loop started")

	for {
		select {
		case <-ticker.C:
			if err := l.tick(); err != nil {
				l.logger.Error().Err(err).Msg("monitor tick failed")
			}
		case <-l.stopCh:
			l.logger.Info().Msg("monitor loop stopped")
			return
		}
	}
}

// tick runs one reconciliation cycle: enqueue monitor/auto_start requests
// for activations that need one, then sweep for worker queues that have
// gone quiet.
func (l *Loop) tick() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MonitorCycleDuration)
		metrics.MonitorCyclesTotal.Inc()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	activations, err := l.store.ListActivations()
	if err != nil {
		return err
	}

	byStatus := make(map[eda.Status]int)
	for _, a := range activations {
		byStatus[a.Status]++

		switch a.Status {
		case eda.StatusStarting, eda.StatusRunning, eda.StatusWorkersOffline:
			if err := l.dispatcher.MonitorRulebookProcesses(a.ID); err != nil {
				l.logger.Error().Err(err).Str("activation_id", a.ID).Msg("failed to enqueue monitor request")
			}
		case eda.StatusPending:
			l.maybeAutoStart(a)
		}
	}
	for status, count := range byStatus {
		metrics.ActivationsTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	if err := l.sweepStaleQueues(); err != nil {
		l.logger.Error().Err(err).Msg("failed to sweep stale queues")
	}

	return nil
}

// maybeAutoStart enqueues an auto_start for a PENDING activation that has
// no request already in flight (a scheduled restart's delayed AUTO_START,
// or a user-issued start still waiting for admission), avoiding a
// duplicate enqueue every tick.
func (l *Loop) maybeAutoStart(a *eda.Activation) {
	if !a.IsEnabled {
		return
	}
	pending, err := l.store.ListPendingForActivation(a.ID)
	if err != nil {
		l.logger.Error().Err(err).Str("activation_id", a.ID).Msg("failed to list pending requests")
		return
	}
	if len(pending) > 0 {
		return
	}
	if err := l.dispatcher.StartRulebookProcess(a.ID, ""); err != nil {
		l.logger.Error().Err(err).Str("activation_id", a.ID).Msg("failed to enqueue auto_start")
	}
}

// sweepStaleQueues implements spec.md §4.7's worker-queue liveness check:
// a queue with no heartbeat inside LivenessCheckPeriod has its
// STARTING/RUNNING activations marked WORKERS_OFFLINE; one stale past the
// longer LivenessTimeout is marked UNRESPONSIVE outright and, unless its
// restart policy is NEVER, a fresh start is scheduled immediately rather
// than waiting for the offline queue's own worker loop to notice (it
// cannot — the worker that would notice is the one that is offline).
func (l *Loop) sweepStaleQueues() error {
	queueNames, err := l.store.ListAllQueueNames()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, queueName := range queueNames {
		if pending, err := l.store.ListPending(queueName); err == nil {
			metrics.QueueDepth.WithLabelValues(queueName).Set(float64(len(pending)))
		}

		heartbeat, ok, err := l.store.GetQueueHeartbeat(queueName)
		if err != nil {
			l.logger.Error().Err(err).Str("queue", queueName).Msg("failed to read queue heartbeat")
			continue
		}
		if !ok {
			continue
		}

		age := now.Sub(heartbeat)
		switch {
		case age > l.cfg.LivenessTimeout:
			l.markQueueActivations(queueName, eda.StatusUnresponsive, "worker queue unresponsive")
			metrics.StaleQueuesTotal.WithLabelValues("unresponsive").Inc()
		case age > l.cfg.LivenessCheckPeriod:
			l.markQueueActivations(queueName, eda.StatusWorkersOffline, "worker queue has not reported liveness")
			metrics.StaleQueuesTotal.WithLabelValues("workers_offline").Inc()
		}
	}
	return nil
}

func (l *Loop) markQueueActivations(queueName string, status eda.Status, message string) {
	processes, err := l.store.ListProcessesByQueue(queueName, []eda.Status{eda.StatusStarting, eda.StatusRunning})
	if err != nil {
		l.logger.Error().Err(err).Str("queue", queueName).Msg("failed to list processes for stale queue")
		return
	}

	for _, p := range processes {
		if err := l.status.SetStatus(p.ActivationID, status, message); err != nil {
			l.logger.Warn().Err(err).Str("activation_id", p.ActivationID).Str("queue", queueName).Msg("failed to mark activation for stale queue")
			continue
		}
		if status == eda.StatusUnresponsive {
			a, err := l.store.GetActivation(p.ActivationID)
			if err != nil {
				continue
			}
			if a.RestartPolicy == eda.RestartNever {
				continue
			}
			if err := l.dispatcher.StartRulebookProcess(a.ID, ""); err != nil {
				l.logger.Warn().Err(err).Str("activation_id", a.ID).Msg("failed to reschedule after unresponsive queue")
			} else {
				metrics.RestartsTotal.WithLabelValues("unresponsive_queue").Inc()
			}
		}
	}
}
