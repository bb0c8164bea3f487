package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansible/rulebook-orchestrator/internal/activation"
	"github.com/ansible/rulebook-orchestrator/internal/eda"
	applog "github.com/ansible/rulebook-orchestrator/internal/log"
)

// pollInterval bounds how long a delayed AUTO_START can sit in the
// queue without a fresh wake before the worker notices its NotBefore has
// elapsed (the notify channel only fires on a new Enqueue call, not on
// the passage of time).
const pollInterval = 2 * time.Second

// queueWorker drains one worker queue's request table, one request at a
// time by construction, giving per-activation FIFO ordering without a
// distributed lock (spec.md §5). Grounded on the teacher's
// ticker+select+stopCh loop shape in pkg/worker.Worker.containerExecutorLoop.
type queueWorker struct {
	o         *Orchestrator
	queueName string
	log       zerolog.Logger
}

func newQueueWorker(o *Orchestrator, queueName string) *queueWorker {
	return &queueWorker{
		o:         o,
		queueName: queueName,
		log:       applog.WithComponent("orchestrator").With().Str("queue", queueName).Logger(),
	}
}

func (w *queueWorker) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wake := w.wakeChannel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-wake:
			w.drain(ctx)
		}
	}
}

// wakeChannel returns the shared QueueNotifier's channel for this
// worker's queue name, or a channel that never fires if the orchestrator
// was constructed without one (the worker still progresses on its
// ticker alone).
func (w *queueWorker) wakeChannel() <-chan struct{} {
	if w.o.notifier == nil {
		return make(chan struct{})
	}
	return w.o.notifier.Channel(w.queueName)
}

func (w *queueWorker) drain(ctx context.Context) {
	pending, err := w.o.store.ListPending(w.queueName)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list pending requests")
		return
	}
	if len(pending) == 0 {
		return
	}

	kept := coalesce(pending)
	keptIDs := make(map[string]bool, len(kept))
	for _, req := range kept {
		keptIDs[req.ID] = true
	}
	// Requests coalesced away are removed so a later drain does not run them.
	for _, req := range pending {
		if !keptIDs[req.ID] {
			if err := w.o.store.DeleteRequest(req.ID); err != nil {
				w.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to delete coalesced request")
			}
		}
	}
	for _, req := range kept {
		w.process(ctx, req)
	}
}

func (w *queueWorker) process(ctx context.Context, req *eda.ActivationRequest) {
	defer func() {
		if err := w.o.store.DeleteRequest(req.ID); err != nil {
			w.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to delete processed request")
		}
	}()

	mgr := activation.New(w.o.store, w.o.status, w.o.engine, w.o.logs, w.o.cfg, req.ParentID, w.queueName)

	var err error
	switch req.Kind {
	case eda.RequestStart:
		err = mgr.Start(ctx, false)
	case eda.RequestAutoStart:
		a, getErr := w.o.store.GetActivation(req.ParentID)
		if getErr != nil {
			return // activation was deleted; nothing to auto-start.
		}
		if !a.IsEnabled {
			w.log.Info().Str("activation_id", req.ParentID).Msg("dropping auto_start: activation disabled since it was scheduled")
			return
		}
		err = mgr.Start(ctx, true)
	case eda.RequestStop:
		err = mgr.Stop(ctx)
	case eda.RequestRestart:
		err = mgr.Restart(ctx)
	case eda.RequestDelete:
		err = mgr.Delete(ctx)
	case eda.RequestMonitor:
		err = mgr.Monitor(ctx)
	}

	if err != nil {
		w.log.Error().Err(err).Str("activation_id", req.ParentID).Str("kind", string(req.Kind)).Msg("request failed")
	}
}
